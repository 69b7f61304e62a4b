package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/querydesk/pkg/audit"
	"github.com/pario-ai/querydesk/pkg/models"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query and manage the question history",
	}

	cmd.AddCommand(
		newHistorySearchCmd(),
		newHistoryShowCmd(),
		newHistoryStatsCmd(),
		newHistoryCleanupCmd(),
	)
	return cmd
}

func newHistorySearchCmd() *cobra.Command {
	var (
		configPath string
		status     string
		since      string
		question   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search past questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openHistory(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.HistoryQueryOpts{
				Status:   models.Status(status),
				Question: question,
				Limit:    limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatHistoryEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (success or error)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&question, "question", "", "filter by question substring")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	var (
		configPath string
		requestID  string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a single request with every attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("--request-id is required")
			}

			l, cleanup, err := openHistory(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Query(context.Background(), models.HistoryQueryOpts{
				RequestID: requestID,
				Limit:     1,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No entry found for that request ID.")
				return nil
			}
			return printHistoryEntry(cmd.OutOrStdout(), entries[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request ID to show")

	return cmd
}

func newHistoryStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show request counts by day and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openHistory(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatHistoryStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newHistoryCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openHistory(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d history entries.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func openHistory(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open history db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func printHistoryEntry(w io.Writer, e models.HistoryEntry) error {
	fmt.Fprintf(w, "Request ID:  %s\n", e.RequestID)
	fmt.Fprintf(w, "Question:    %s\n", e.Question)
	fmt.Fprintf(w, "Status:      %s\n", e.Status)
	fmt.Fprintf(w, "Model:       %s\n", e.Model)
	fmt.Fprintf(w, "Attempts:    %d\n", e.Attempts)
	fmt.Fprintf(w, "Rows:        %d\n", e.RowCount)
	fmt.Fprintf(w, "Cached:      %t\n", e.Cached)
	fmt.Fprintf(w, "Latency:     %dms\n", e.LatencyMs)
	fmt.Fprintf(w, "Time:        %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.FinalQuery != "" {
		fmt.Fprintf(w, "\n--- Final Query ---\n%s\n", e.FinalQuery)
	}
	if e.Error != "" {
		fmt.Fprintf(w, "\n--- Error ---\n%s\n", e.Error)
	}

	var steps []models.AttemptStep
	if e.StepsJSON == "" || json.Unmarshal([]byte(e.StepsJSON), &steps) != nil || len(steps) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\n--- Attempts ---")
	for _, s := range steps {
		fmt.Fprintf(w, "#%d %s", s.Attempt, s.Tier)
		if s.Failed() {
			fmt.Fprintf(w, "  FAILED (%s): %s", s.ErrorKind, s.Error)
		}
		fmt.Fprintln(w)
		if s.Query != "" {
			fmt.Fprintf(w, "   %s\n", strings.ReplaceAll(s.Query, "\n", "\n   "))
		}
	}
	return nil
}

func formatHistoryEntries(entries []models.HistoryEntry) string {
	if len(entries) == 0 {
		return "No history entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-7s %-9s %3s %6s %8s %-19s  %s\n",
		"REQUEST ID", "STATUS", "MODEL", "TRY", "ROWS", "LATENCY", "TIME", "QUESTION")
	b.WriteString(strings.Repeat("-", 130) + "\n")
	for _, e := range entries {
		q := e.Question
		if r := []rune(q); len(r) > 40 {
			q = string(r[:37]) + "..."
		}
		fmt.Fprintf(&b, "%-36s %-7s %-9s %3d %6d %6dms %-19s  %s\n",
			e.RequestID, e.Status, e.Model, e.Attempts, e.RowCount, e.LatencyMs,
			e.CreatedAt.Format("2006-01-02 15:04:05"), q)
	}
	return b.String()
}

func formatHistoryStats(stats []models.HistoryStats) string {
	if len(stats) == 0 {
		return "No history stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-8s %8s %8s %10s\n", "DAY", "STATUS", "COUNT", "CACHED", "AVG MS")
	b.WriteString(strings.Repeat("-", 50) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-8s %8d %8d %10d\n", s.Day, s.Status, s.Count, s.Cached, s.AvgMs)
	}
	return b.String()
}
