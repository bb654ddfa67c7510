package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/drinkwatch/internal/api"
	"github.com/kalambet/drinkwatch/internal/config"
	"github.com/kalambet/drinkwatch/internal/storage"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve captures to an MCP client over stdio",
	Long: `Serve the capture history and stock view as MCP tools over stdin/stdout.
The server reads the same database as "drinkwatch start" and never writes to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Stdout carries the protocol; everything else goes to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	catalog, err := loadCatalog(cfg.Stock.TypesFile)
	if err != nil {
		return err
	}
	if catalog != nil {
		defer catalog.Close()
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:   store,
		Catalog: catalog,
		Version: version,
	})
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
