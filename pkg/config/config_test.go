package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/querydesk/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8000" {
		t.Errorf("expected :8000, got %s", cfg.Listen)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("expected 1h TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxSize != 100 {
		t.Errorf("expected max size 100, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Engine.MaxRetries)
	}
	if len(cfg.Classifier.ComplexKeywords) != 10 {
		t.Errorf("expected 10 keywords, got %d", len(cfg.Classifier.ComplexKeywords))
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	content := `
listen: ":9090"
data_source:
  driver: postgres
  dsn: postgres://localhost/chinook
providers:
  - name: openai
    url: https://api.openai.com/v1
    api_key: ${TEST_API_KEY}
tiers:
  fast:
    - provider: openai
      model: gpt-4o-mini
  escalated:
    - provider: openai
      model: gpt-4o
engine:
  max_retries: 2
  call_timeout: 10s
cache:
  enabled: true
  ttl: 30m
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Providers[0].APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Providers[0].APIKey)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxSize != 100 {
		t.Errorf("expected default max size to survive, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Engine.MaxRetries != 2 || cfg.Engine.CallTimeout != 10*time.Second {
		t.Errorf("engine not loaded: %+v", cfg.Engine)
	}
	if got := cfg.Tiers.Targets(models.TierEscalated); len(got) != 1 || got[0].Model != "gpt-4o" {
		t.Errorf("unexpected escalated chain: %+v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxRetries = -1
	cfg.DataSource.Driver = "mysql"
	cfg.Cache.MaxSize = 0
	cfg.Tiers.Fast = []RouteTarget{{Provider: "ghost", Model: "m"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"max_retries", "mysql", "max_size", "ghost"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestTiersForMode(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{{Name: "anthropic"}, {Name: "groq"}}
	cfg.Tiers = TiersConfig{Fast: []RouteTarget{{Provider: "anthropic", Model: "haiku"}}}
	cfg.Modes = map[string]TiersConfig{
		"paid": {Fast: []RouteTarget{{Provider: "anthropic", Model: "sonnet"}}},
		"free": {Fast: []RouteTarget{{Provider: "groq", Model: "llama-3.1-8b"}}},
	}

	tiers, err := cfg.TiersFor("")
	if err != nil || tiers.Fast[0].Model != "haiku" {
		t.Errorf("empty mode = %+v, %v; want top-level tiers", tiers, err)
	}
	tiers, err = cfg.TiersFor("free")
	if err != nil || tiers.Fast[0].Model != "llama-3.1-8b" {
		t.Errorf("free mode = %+v, %v", tiers, err)
	}
	if _, err := cfg.TiersFor("premium"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("unknown mode err = %v, want ErrUnknownMode", err)
	}
	if cfg.HasMode("premium") || !cfg.HasMode("paid") || !cfg.HasMode("") {
		t.Error("HasMode disagrees with TiersFor")
	}

	cfg.DefaultMode = "paid"
	tiers, _ = cfg.TiersFor("")
	if tiers.Fast[0].Model != "sonnet" {
		t.Errorf("default mode not applied: %+v", tiers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidateModes(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{{Name: "groq"}}
	cfg.Modes = map[string]TiersConfig{
		"free": {Escalated: []RouteTarget{{Provider: "phantom", Model: "m"}}},
	}
	cfg.DefaultMode = "paid"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"modes.free.escalated", "phantom", "default_mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}
