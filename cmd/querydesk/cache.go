package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"resty.dev/v3"

	"github.com/pario-ai/querydesk/pkg/server"
)

const apiTimeout = 10 * time.Second

// apiError mirrors the error body written by the server.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func newAPIClient(addr string) *resty.Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(addr, "/")).
		SetTimeout(apiTimeout).
		SetHeader("Accept", "application/json")
}

// call performs an API request against a running server and decodes the
// JSON answer into out.
func call(ctx context.Context, c *resty.Client, method, path string, out any) error {
	var apiErr apiError
	resp, err := c.R().
		SetContext(ctx).
		SetResult(out).
		Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if json.Unmarshal([]byte(resp.String()), &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}
	return nil
}

func newCacheCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the answer cache of a running server",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(addr)
			defer c.Close()

			var stats server.CacheStatsResponse
			if err := call(cmd.Context(), c, "GET", "/api/cache/stats", &stats); err != nil {
				return err
			}
			if !stats.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "Cache is disabled.")
				return nil
			}
			hitRate := float64(0)
			if total := stats.Hits + stats.Misses; total > 0 {
				hitRate = float64(stats.Hits) / float64(total) * 100
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entries:  %d / %d\nHits:     %d\nMisses:   %d\nHit rate: %.1f%%\nTTL:      %s\n",
				stats.Entries, stats.MaxSize, stats.Hits, stats.Misses, hitRate,
				time.Duration(stats.TTL*float64(time.Second)))
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(addr)
			defer c.Close()

			var out map[string]string
			if err := call(cmd.Context(), c, "POST", "/api/cache/clear", &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All cache entries cleared.")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8000", "address of a running querydesk server")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
