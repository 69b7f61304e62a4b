package router

import (
	"context"
	"errors"
	"testing"

	"github.com/pario-ai/querydesk/pkg/config"
	"github.com/pario-ai/querydesk/pkg/models"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{Name: "openai", URL: "https://api.openai.com/v1", APIKey: "sk-1"},
		{Name: "groq", URL: "https://api.groq.com/openai/v1", APIKey: "sk-2"},
	}
	cfg.Tiers = config.TiersConfig{
		Fast: []config.RouteTarget{
			{Provider: "openai", Model: "gpt-4o-mini"},
			{Provider: "groq", Model: "llama-3.1-8b"},
		},
		Escalated: []config.RouteTarget{
			{Provider: "openai", Model: "gpt-4o"},
		},
	}
	return cfg
}

func TestClassify(t *testing.T) {
	r := New(testConfig())
	cases := map[string]models.Tier{
		"How many artists are there?":            models.TierFast,
		"Which genre has the most tracks?":       models.TierEscalated,
		"Compare sales in 2010 and 2011":         models.TierEscalated,
		"List the whole album catalogue":         models.TierFast,
		"Who bought the HIGHEST priced track?":   models.TierEscalated,
		"Show customers that almost never order": models.TierEscalated,
	}
	for q, want := range cases {
		if got := r.Classify(q); got != want {
			t.Errorf("Classify(%q) = %s, want %s", q, got, want)
		}
	}
}

func TestClassifyCustomKeywords(t *testing.T) {
	cfg := testConfig()
	cfg.Classifier.ComplexKeywords = []string{"Forecast"}
	r := New(cfg)
	if r.Classify("forecast revenue") != models.TierEscalated {
		t.Error("expected custom keyword to escalate")
	}
	if r.Classify("which artist") != models.TierFast {
		t.Error("expected default keywords to be replaced")
	}
}

func TestResolveTiers(t *testing.T) {
	r := New(testConfig())

	routes, err := r.Resolve("", models.TierFast)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	if routes[0].Model != "gpt-4o-mini" || routes[0].Provider.Name != "openai" {
		t.Errorf("unexpected first route: %+v", routes[0])
	}
	if routes[1].Model != "llama-3.1-8b" || routes[1].Provider.Name != "groq" {
		t.Errorf("unexpected second route: %+v", routes[1])
	}

	routes, err = r.Resolve("", models.TierEscalated)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].Model != "gpt-4o" {
		t.Errorf("unexpected escalated routes: %+v", routes)
	}
}

func TestResolveEscalatedBorrowsFast(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers.Escalated = nil
	r := New(cfg)
	routes, err := r.Resolve("", models.TierEscalated)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 || routes[0].Model != "gpt-4o-mini" {
		t.Errorf("expected fast chain, got %+v", routes)
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers.Fast = []config.RouteTarget{
		{Provider: "nonexistent", Model: "x"},
		{Provider: "groq", Model: "llama-3.1-8b"},
	}
	r := New(cfg)
	routes, err := r.Resolve("", models.TierFast)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].Provider.Name != "groq" {
		t.Errorf("expected unknown provider skipped, got %+v", routes)
	}

	cfg.Tiers.Fast = []config.RouteTarget{{Provider: "nonexistent", Model: "x"}}
	if _, err := New(cfg).Resolve("", models.TierFast); err == nil {
		t.Error("expected error when every provider is unknown")
	}
}

func TestResolveNoProviders(t *testing.T) {
	r := New(config.Default())
	if _, err := r.Resolve("", models.TierFast); err == nil {
		t.Error("expected error with no providers")
	}
}

func modesConfig() *config.Config {
	cfg := testConfig()
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: "anthropic", URL: "https://api.anthropic.com/v1", APIKey: "sk-3"})
	cfg.Modes = map[string]config.TiersConfig{
		"paid": {
			Fast:      []config.RouteTarget{{Provider: "anthropic", Model: "claude-haiku"}},
			Escalated: []config.RouteTarget{{Provider: "anthropic", Model: "claude-sonnet"}},
		},
		"free": {
			Fast:      []config.RouteTarget{{Provider: "groq", Model: "llama-3.1-8b"}},
			Escalated: []config.RouteTarget{{Provider: "groq", Model: "llama-3.3-70b"}},
		},
	}
	return cfg
}

func TestResolveMode(t *testing.T) {
	r := New(modesConfig())
	cases := []struct {
		mode     string
		tier     models.Tier
		provider string
		model    string
	}{
		{"", models.TierFast, "openai", "gpt-4o-mini"},
		{"", models.TierEscalated, "openai", "gpt-4o"},
		{"paid", models.TierFast, "anthropic", "claude-haiku"},
		{"paid", models.TierEscalated, "anthropic", "claude-sonnet"},
		{"free", models.TierFast, "groq", "llama-3.1-8b"},
		{"free", models.TierEscalated, "groq", "llama-3.3-70b"},
	}
	for _, tc := range cases {
		routes, err := r.Resolve(tc.mode, tc.tier)
		if err != nil {
			t.Fatalf("Resolve(%q, %s): %v", tc.mode, tc.tier, err)
		}
		if routes[0].Provider.Name != tc.provider || routes[0].Model != tc.model {
			t.Errorf("Resolve(%q, %s) = %s/%s, want %s/%s",
				tc.mode, tc.tier, routes[0].Provider.Name, routes[0].Model, tc.provider, tc.model)
		}
	}

	if _, err := r.Resolve("premium", models.TierFast); !errors.Is(err, config.ErrUnknownMode) {
		t.Errorf("unknown mode err = %v, want ErrUnknownMode", err)
	}
}

func TestResolveDefaultMode(t *testing.T) {
	cfg := modesConfig()
	cfg.DefaultMode = "free"
	routes, err := New(cfg).Resolve("", models.TierEscalated)
	if err != nil {
		t.Fatal(err)
	}
	if routes[0].Model != "llama-3.3-70b" {
		t.Errorf("expected default mode chain, got %+v", routes)
	}
}

func TestModeContext(t *testing.T) {
	ctx := context.Background()
	if got := ModeFrom(ctx); got != "" {
		t.Errorf("ModeFrom(empty) = %q", got)
	}
	if got := ModeFrom(WithMode(ctx, "free")); got != "free" {
		t.Errorf("ModeFrom = %q, want free", got)
	}
}
