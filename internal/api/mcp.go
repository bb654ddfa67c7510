package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/drinkwatch/internal/app"
	"github.com/kalambet/drinkwatch/internal/stock"
	"github.com/kalambet/drinkwatch/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The server only reads.
type MCPDeps struct {
	Store   *storage.Store
	Catalog *stock.Catalog // optional; if nil, stock_summary returns an error
	Version string
}

// NewMCPServer creates an MCP server exposing captures and the stock view.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"drinkwatch",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("drinkwatch: drink detection captures from a camera loop and on-demand requests."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("latest_capture",
			mcp.WithDescription("Return the most recent completed capture, optionally restricted to one origin."),
			mcp.WithString("origin",
				mcp.Description("capture_loop, detection_request or similarity_request"),
				mcp.Enum(string(storage.OriginLoop), string(storage.OriginRequest), string(storage.OriginSimilarity)),
			),
		),
		mcpLatestCapture(deps),
	)

	s.AddTool(
		mcp.NewTool("capture_history",
			mcp.WithDescription("List completed captures, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of captures (default 10, max 100)")),
			mcp.WithString("origin", mcp.Description("Only captures of this origin")),
		),
		mcpCaptureHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("get_capture",
			mcp.WithDescription("Look up a capture by its external id, in progress or completed."),
			mcp.WithString("external_id", mcp.Description("UUID returned when the request was accepted"), mcp.Required()),
		),
		mcpGetCapture(deps),
	)

	s.AddTool(
		mcp.NewTool("stock_summary",
			mcp.WithDescription("Count the drinks in the latest detection by stock type."),
			mcp.WithString("query", mcp.Description("Optional search over stock names and categories")),
		),
		mcpStockSummary(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"drinkwatch://feed/latest",
			"Latest Capture",
			mcp.WithResourceDescription("Most recent completed capture as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLatest(deps),
	)

	return s
}

func parseOriginArg(req mcp.CallToolRequest) ([]storage.Origin, error) {
	raw := req.GetString("origin", "")
	if raw == "" {
		return nil, nil
	}
	origin := storage.ParseOrigin(raw)
	if origin == storage.OriginUnknown {
		return nil, fmt.Errorf("unknown origin %q", raw)
	}
	return []storage.Origin{origin}, nil
}

func mcpLatestCapture(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		origins, err := parseOriginArg(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		c, err := deps.Store.LatestCompletedCapture(origins...)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get latest capture: %v", err)), nil
		}
		if c == nil {
			return mcpText("null"), nil
		}
		return mcpJSON(captureView(*c))
	}
}

func mcpCaptureHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		origins, err := parseOriginArg(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		limit := req.GetInt("limit", PageSize)
		if limit <= 0 {
			limit = PageSize
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}

		captures, err := deps.Store.ListCompletedCaptures(limit, origins...)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list captures: %v", err)), nil
		}
		views := make([]CaptureView, 0, len(captures))
		for _, c := range captures {
			views = append(views, captureView(c))
		}
		return mcpJSON(views)
	}
}

func mcpGetCapture(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("external_id")
		if err != nil {
			return mcpError("external_id is required"), nil
		}
		ext, err := uuid.Parse(raw)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid external_id: %v", err)), nil
		}
		c, err := deps.Store.GetCaptureByExternalID(ext)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get capture: %v", err)), nil
		}
		fs, err := deps.Store.CaptureFiles(c.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get capture files: %v", err)), nil
		}
		return mcpJSON(withImages(captureView(c), fs))
	}
}

func mcpStockSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, err := app.SummarizeStock(deps.Store, deps.Catalog, req.GetString("query", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("stock summary failed: %v", err)), nil
		}
		return mcpJSON(s)
	}
}

func mcpResourceLatest(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		c, err := deps.Store.LatestCompletedCapture()
		if err != nil {
			return nil, fmt.Errorf("failed to get latest capture: %w", err)
		}

		var v any
		if c != nil {
			v = captureView(*c)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal capture: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
