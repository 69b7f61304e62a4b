package engine

import (
	"context"
	"strings"

	"github.com/pario-ai/querydesk/pkg/llm"
	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/prompts"
)

const (
	suggestionSampleRows = 3
	summarySampleRows    = 5
)

// Enricher produces the secondary parts of a successful answer.
type Enricher interface {
	FollowUp(ctx context.Context, question, prior string) (bool, error)
	Suggestions(ctx context.Context, question, query string, rs *models.ResultSet) ([]string, error)
	Summary(ctx context.Context, question string, rs *models.ResultSet) (string, error)
}

// LLMEnricher asks the fast tier for each enrichment.
type LLMEnricher struct {
	gen  Generator
	tier models.Tier
}

// NewLLMEnricher returns an Enricher backed by gen at the fast tier.
func NewLLMEnricher(gen Generator) *LLMEnricher {
	return &LLMEnricher{gen: gen, tier: models.TierFast}
}

// FollowUp reports whether question refines the prior query.
func (l *LLMEnricher) FollowUp(ctx context.Context, question, prior string) (bool, error) {
	if prior == "" {
		return false, nil
	}
	reply, err := l.gen.Generate(ctx, prompts.FollowUp(question, prior), l.tier)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(reply), "yes"), nil
}

// Suggestions returns up to three follow-up questions.
func (l *LLMEnricher) Suggestions(ctx context.Context, question, query string, rs *models.ResultSet) ([]string, error) {
	if rs == nil || len(rs.Rows) == 0 {
		return nil, nil
	}
	reply, err := l.gen.Generate(ctx, prompts.Suggestions(question, query, sampleRows(rs, suggestionSampleRows)), l.tier)
	if err != nil {
		return nil, err
	}
	return llm.ParseStringArray(reply, MaxSuggestions)
}

// Summary returns a one-sentence insight, or "" when the reply looks like
// structured data instead of prose.
func (l *LLMEnricher) Summary(ctx context.Context, question string, rs *models.ResultSet) (string, error) {
	if rs == nil || len(rs.Rows) == 0 {
		return "", nil
	}
	reply, err := l.gen.Generate(ctx, prompts.Summary(question, sampleRows(rs, summarySampleRows)), l.tier)
	if err != nil {
		return "", err
	}
	return cleanSummary(reply), nil
}

func cleanSummary(reply string) string {
	s := strings.Trim(strings.TrimSpace(reply), "\"'`")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return ""
	}
	return s
}

func sampleRows(rs *models.ResultSet, n int) []map[string]any {
	if len(rs.Rows) < n {
		n = len(rs.Rows)
	}
	out := make([]map[string]any, 0, n)
	for _, row := range rs.Rows[:n] {
		m := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}
