package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/querydesk/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all querydesk configuration.
type Config struct {
	Listen      string                 `yaml:"listen"`
	DataSource  DataSourceConfig       `yaml:"data_source"`
	Providers   []ProviderConfig       `yaml:"providers"`
	Tiers       TiersConfig            `yaml:"tiers"`
	Modes       map[string]TiersConfig `yaml:"modes"`
	DefaultMode string                 `yaml:"default_mode"`
	Classifier  ClassifierConfig       `yaml:"classifier"`
	Engine      EngineConfig           `yaml:"engine"`
	Cache       CacheConfig            `yaml:"cache"`
	Audit       AuditConfig            `yaml:"audit"`
	Log         LogConfig              `yaml:"log"`
	Metrics     MetricsConfig          `yaml:"metrics"`
}

// DataSourceConfig selects the database questions are answered against.
// Driver is "sqlite" (default) or "postgres".
type DataSourceConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ProviderConfig defines an OpenAI-compatible chat completion endpoint.
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// TiersConfig maps each model tier to an ordered fallback chain.
type TiersConfig struct {
	Fast      []RouteTarget `yaml:"fast"`
	Escalated []RouteTarget `yaml:"escalated"`
}

// Targets returns the chain configured for tier.
func (t TiersConfig) Targets(tier models.Tier) []RouteTarget {
	switch tier {
	case models.TierEscalated:
		return t.Escalated
	default:
		return t.Fast
	}
}

// ErrUnknownMode is returned for an llm mode with no provider set.
var ErrUnknownMode = errors.New("unknown llm mode")

// TiersFor returns the tier chains of the provider set named mode. An empty
// mode selects DefaultMode, and the top-level tiers when that is unset too.
func (c *Config) TiersFor(mode string) (TiersConfig, error) {
	if mode == "" {
		mode = c.DefaultMode
	}
	if mode == "" {
		return c.Tiers, nil
	}
	t, ok := c.Modes[mode]
	if !ok {
		return TiersConfig{}, fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}
	return t, nil
}

// HasMode reports whether mode selects a provider set.
func (c *Config) HasMode(mode string) bool {
	_, err := c.TiersFor(mode)
	return err == nil
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ClassifierConfig controls question complexity routing.
type ClassifierConfig struct {
	ComplexKeywords []string `yaml:"complex_keywords"`
}

// EngineConfig bounds the attempt controller.
type EngineConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxTokens      int           `yaml:"max_tokens"`
}

// CacheConfig controls the answer cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	MaxSize       int           `yaml:"max_size"`
	ContextPrefix int           `yaml:"context_prefix"`
}

// AuditConfig controls the query history log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultComplexKeywords mark a question as needing the escalated tier.
var DefaultComplexKeywords = []string{
	"compare", "ratio", "trend", "difference", "highest",
	"lowest", "who", "which", "never", "most",
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8000",
		DataSource: DataSourceConfig{
			Driver: "sqlite",
			DSN:    "chinook.db",
		},
		Classifier: ClassifierConfig{
			ComplexKeywords: append([]string(nil), DefaultComplexKeywords...),
		},
		Engine: EngineConfig{
			MaxRetries:     3,
			CallTimeout:    60 * time.Second,
			RequestTimeout: 5 * time.Minute,
			MaxTokens:      4096,
		},
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           time.Hour,
			MaxSize:       100,
			ContextPrefix: 100,
		},
		Audit: AuditConfig{
			Enabled:       true,
			DBPath:        "querydesk_history.db",
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries must not be negative, got %d", c.Engine.MaxRetries))
	}
	switch c.DataSource.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("data_source.driver %q: want sqlite or postgres", c.DataSource.Driver))
	}
	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize))
	}

	known := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		known[p.Name] = true
	}
	checkTiers := func(prefix string, tiers TiersConfig) {
		for _, tier := range []models.Tier{models.TierFast, models.TierEscalated} {
			for _, t := range tiers.Targets(tier) {
				if !known[t.Provider] {
					errs = append(errs, fmt.Errorf("%s.%s: unknown provider %q", prefix, tier, t.Provider))
				}
			}
		}
	}
	checkTiers("tiers", c.Tiers)
	for name, tiers := range c.Modes {
		checkTiers("modes."+name, tiers)
	}
	if c.DefaultMode != "" {
		if _, ok := c.Modes[c.DefaultMode]; !ok {
			errs = append(errs, fmt.Errorf("default_mode %q: no such entry in modes", c.DefaultMode))
		}
	}
	return errors.Join(errs...)
}
