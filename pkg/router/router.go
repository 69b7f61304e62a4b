package router

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/pario-ai/querydesk/pkg/config"
	"github.com/pario-ai/querydesk/pkg/models"
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router picks a tier for a question and resolves tiers to ordered
// provider+model chains.
type Router struct {
	cfg      *config.Config
	keywords map[string]bool
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	kw := cfg.Classifier.ComplexKeywords
	if len(kw) == 0 {
		kw = config.DefaultComplexKeywords
	}
	keywords := make(map[string]bool, len(kw))
	for _, k := range kw {
		keywords[strings.ToLower(strings.TrimSpace(k))] = true
	}
	return &Router{cfg: cfg, keywords: keywords}
}

// Classify returns the escalated tier when the question contains any
// complexity keyword as a whole word, and the fast tier otherwise.
func (r *Router) Classify(question string) models.Tier {
	words := strings.FieldsFunc(strings.ToLower(question), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	for _, w := range words {
		if r.keywords[w] {
			return models.TierEscalated
		}
	}
	return models.TierFast
}

type modeKey struct{}

// WithMode returns a context whose model calls use the provider set named
// mode. An empty mode leaves the configured default in place.
func WithMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, modeKey{}, mode)
}

// ModeFrom returns the provider set requested on ctx, or "".
func ModeFrom(ctx context.Context) string {
	mode, _ := ctx.Value(modeKey{}).(string)
	return mode
}

// Resolve returns the ordered routes for tier within the provider set named
// mode. An escalated tier with no chain of its own borrows the fast chain.
func (r *Router) Resolve(mode string, tier models.Tier) ([]Route, error) {
	if len(r.cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	tiers, err := r.cfg.TiersFor(mode)
	if err != nil {
		return nil, err
	}

	providerIndex := make(map[string]config.ProviderConfig, len(r.cfg.Providers))
	for _, p := range r.cfg.Providers {
		providerIndex[p.Name] = p
	}

	targets := tiers.Targets(tier)
	if len(targets) == 0 && tier == models.TierEscalated {
		targets = tiers.Fast
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("tier %q: no models configured", tier)
	}

	var routes []Route
	for _, target := range targets {
		provider, ok := providerIndex[target.Provider]
		if !ok {
			continue // skip unknown providers
		}
		routes = append(routes, Route{Provider: provider, Model: target.Model})
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("tier %q: all providers unknown", tier)
	}
	return routes, nil
}
