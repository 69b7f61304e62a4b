package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/querydesk/pkg/engine"
	"github.com/pario-ai/querydesk/pkg/models"
)

// maxRows caps the rows rendered into a tool result.
const maxRows = 25

func formatEnvelope(env *models.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s (model: %s, attempts: %d", env.Status, env.Model, len(env.Steps))
	if env.Cached {
		b.WriteString(", cached")
	}
	b.WriteString(")\n")

	if r := env.Reasoning(); r != "" {
		fmt.Fprintf(&b, "\nReasoning:\n%s\n", r)
	}
	if q := env.Query(); q != "" {
		fmt.Fprintf(&b, "\nSQL:\n%s\n", q)
	}
	if env.Status != models.StatusSuccess {
		fmt.Fprintf(&b, "\nError: %s\n", env.Err())
		return b.String()
	}

	if env.Result != nil {
		b.WriteString("\n")
		b.WriteString(formatTable(env.Result))
	}
	if env.Summary != "" {
		fmt.Fprintf(&b, "\nSummary: %s\n", env.Summary)
	}
	if len(env.Suggestions) > 0 {
		b.WriteString("\nYou might also ask:\n")
		for _, s := range env.Suggestions {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
	}
	return b.String()
}

// formatTable renders a result set as a pipe-separated table.
func formatTable(rs *models.ResultSet) string {
	if len(rs.Rows) == 0 {
		return "No rows returned.\n"
	}
	var b strings.Builder
	b.WriteString(strings.Join(rs.Columns, " | ") + "\n")
	for i, row := range rs.Rows {
		if i == maxRows {
			fmt.Fprintf(&b, "... %d more rows\n", len(rs.Rows)-maxRows)
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = engine.Cell(v)
		}
		b.WriteString(strings.Join(cells, " | ") + "\n")
	}
	return b.String()
}

func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d / %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n"+
		"  TTL:      %s\n",
		stats.Entries, stats.MaxSize, stats.Hits, stats.Misses, hitRate, stats.TTL)
}

func formatHistory(entries []models.HistoryEntry) string {
	if len(entries) == 0 {
		return "No history entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-8s %-10s %4s %6s %8s  %s\n",
		"Time", "Status", "Model", "Try", "Rows", "Latency", "Question")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, e := range entries {
		q := e.Question
		if len([]rune(q)) > 40 {
			q = string([]rune(q)[:37]) + "..."
		}
		fmt.Fprintf(&b, "%-20s %-8s %-10s %4d %6d %6dms  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Status, e.Model, e.Attempts, e.RowCount, e.LatencyMs, q)
	}
	return b.String()
}
