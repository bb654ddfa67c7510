package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/drinkwatch/internal/api"
	"github.com/kalambet/drinkwatch/internal/config"
	"github.com/kalambet/drinkwatch/internal/stock"
	"github.com/kalambet/drinkwatch/internal/stream"
)

// --- loop ---

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Control the capture loop",
}

type loopState struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

func setLoop(ctx context.Context, client *apiClient, on bool) (loopState, error) {
	path := "/capture_loop/off"
	if on {
		path = "/capture_loop/on"
	}
	resp, err := client.put(ctx, path)
	if err != nil {
		return loopState{}, err
	}
	var st loopState
	err = decodeJSON(resp, &st)
	return st, err
}

var loopOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Start the capture loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if _, err := setLoop(cmd.Context(), client, true); err != nil {
			return err
		}
		printSuccess("Capture loop started")
		return nil
	},
}

var loopOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Stop the capture loop after the current step",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if _, err := setLoop(cmd.Context(), client, false); err != nil {
			return err
		}
		printSuccess("Capture loop stopping")
		return nil
	},
}

func init() {
	loopCmd.AddCommand(loopOnCmd)
	loopCmd.AddCommand(loopOffCmd)
}

// --- requests ---

type acceptedResponse struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Events     string `json:"events"`
}

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Submit an image for drink detection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.upload(cmd.Context(), "/detection_request", imageField{"image", args[0]})
		if err != nil {
			return err
		}
		var acc acceptedResponse
		if err := decodeJSON(resp, &acc); err != nil {
			return err
		}
		printSuccess("Detection request %s accepted", acc.ExternalID)
		printStep("drinkwatch show %s", acc.ExternalID)
		return nil
	},
}

var similarCmd = &cobra.Command{
	Use:   "similar <image1> <image2>",
	Short: "Compare two images and print their similarity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := client.upload(ctx, "/similarity_request",
			imageField{"image_1", args[0]},
			imageField{"image_2", args[1]},
		)
		if err != nil {
			return err
		}
		var acc acceptedResponse
		if err := decodeJSON(resp, &acc); err != nil {
			return err
		}
		printStep("Similarity request %s accepted, waiting for score", acc.ExternalID)

		score, err := awaitScore(ctx, client, acc)
		if err != nil {
			return err
		}
		fmt.Println(score)
		return nil
	},
}

func init() {
	similarCmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait for the score")
}

// awaitScore waits for the similarity event of an accepted request. The
// capture is checked once after subscribing in case the job finished first.
func awaitScore(ctx context.Context, client *apiClient, acc acceptedResponse) (string, error) {
	resp, err := client.stream(ctx, acc.Events)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if v, err := getCapture(ctx, client, acc.ExternalID); err == nil && v.Result != nil && v.Result.Similarity != nil {
		return fmt.Sprintf("%.1f%%", *v.Result.Similarity*100), nil
	}

	for msg, err := range stream.Read(resp.Body) {
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("no score within timeout")
			}
			return "", err
		}
		if msg.Event == "similarity" {
			return msg.Data, nil
		}
	}
	return "", fmt.Errorf("event stream closed before the score arrived")
}

// --- captures ---

func getCapture(ctx context.Context, client *apiClient, id string) (api.CaptureView, error) {
	resp, err := client.get(ctx, "/captures/"+url.PathEscape(id))
	if err != nil {
		return api.CaptureView{}, err
	}
	var v api.CaptureView
	err = decodeJSON(resp, &v)
	return v, err
}

var showCmd = &cobra.Command{
	Use:   "show <external-id>",
	Short: "Show one capture as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		v, err := getCapture(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List completed captures, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		origins, _ := cmd.Flags().GetStringSlice("origin")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		for _, o := range origins {
			q.Add("origin", o)
		}
		resp, err := client.get(cmd.Context(), "/history?"+q.Encode())
		if err != nil {
			return err
		}
		var captures []api.CaptureView
		if err := decodeJSON(resp, &captures); err != nil {
			return err
		}

		if len(captures) == 0 {
			fmt.Println("No captures yet.")
			return nil
		}
		for _, c := range captures {
			fmt.Println(historyLine(c))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", api.PageSize, "maximum number of captures to list")
	historyCmd.Flags().StringSlice("origin", nil, "only captures of these origins (capture_loop, detection_request, similarity_request)")
}

func historyLine(c api.CaptureView) string {
	var result string
	switch {
	case c.Result == nil:
		result = "no result"
	case c.Result.Similarity != nil:
		result = fmt.Sprintf("similarity %.1f%%", *c.Result.Similarity*100)
	default:
		result = countsLine(c.Counts)
	}
	return fmt.Sprintf("%s  %s  %-20s %s",
		colorize(colorCyan, c.ExternalID.String()[:8]),
		c.CreatedAt.Local().Format(time.DateTime),
		c.Title,
		result,
	)
}

func countsLine(counts map[string]int) string {
	if len(counts) == 0 {
		return "nothing detected"
	}
	parts := make([]string, 0, len(counts))
	for label, n := range counts {
		parts = append(parts, fmt.Sprintf("%d× %s", n, label))
	}
	slices.Sort(parts)
	return strings.Join(parts, ", ")
}

// --- stock ---

var stockCmd = &cobra.Command{
	Use:   "stock [query]",
	Short: "Show the drinks in stock according to the latest detection",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/stock"
		if q := strings.Join(args, " "); q != "" {
			path = "/stock/search?q=" + url.QueryEscape(q)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var s stock.Summary
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printStock(s)
		return nil
	},
}

func printStock(s stock.Summary) {
	if len(s.Rows) == 0 {
		fmt.Printf("No matching stock (%d objects detected).\n", s.Total)
		return
	}
	for _, r := range s.Rows {
		fmt.Printf("%4d  %s", r.Amount, colorize(colorBold, r.Title))
		if len(r.Categories) > 0 {
			fmt.Printf("  [%s]", strings.Join(r.Categories, ", "))
		}
		fmt.Println()
	}
	fmt.Printf("%4d  total\n", s.Total)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			value := k.Value
			if !k.Default {
				value = colorize(colorGreen, value)
			}
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		fmt.Printf("\n  file: %s\n", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a key from the config file, restoring its default",
	Args:  cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
