// Package llm calls OpenAI-compatible chat completion endpoints and extracts
// structured query generations from their replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/router"
)

// ErrEmptyReply is returned when a provider answers with no content.
var ErrEmptyReply = errors.New("empty completion")

// Resolver maps a provider set and tier to an ordered provider chain.
type Resolver interface {
	Resolve(mode string, tier models.Tier) ([]router.Route, error)
}

// Client generates text by walking a tier's provider chain until one
// provider answers.
type Client struct {
	resolver   Resolver
	maxTokens  int
	log        logrus.FieldLogger
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithLogger sets the logger used for fallback notices.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient sets the HTTP client shared by every provider.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client over the given resolver.
func NewClient(resolver Resolver, opts ...Option) *Client {
	c := &Client{
		resolver: resolver,
		log:      logrus.StandardLogger(),
		clients:  make(map[string]*openai.Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate sends prompt as a single user message to the first provider of
// tier that answers, within the provider set named on ctx by
// router.WithMode. Transport failures, 429 and 5xx responses move on to the
// next provider; other errors end the walk.
func (c *Client) Generate(ctx context.Context, prompt string, tier models.Tier) (string, error) {
	routes, err := c.resolver.Resolve(router.ModeFrom(ctx), tier)
	if err != nil {
		return "", fmt.Errorf("resolve %s tier: %w", tier, err)
	}

	var lastErr error
	for _, route := range routes {
		text, err := c.complete(ctx, route, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = fmt.Errorf("%s/%s: %w", route.Provider.Name, route.Model, err)
		if !isRetryable(err) {
			return "", lastErr
		}
		c.log.WithFields(logrus.Fields{
			"provider": route.Provider.Name,
			"model":    route.Model,
			"tier":     tier,
		}).Warnf("upstream %s failed: %v, trying next", route.Provider.Name, err)
	}
	return "", fmt.Errorf("all upstream providers failed: %w", lastErr)
}

func (c *Client) complete(ctx context.Context, route router.Route, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: route.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}

	resp, err := c.clientFor(route.Provider.Name, route.Provider.URL, route.Provider.APIKey).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func (c *Client) clientFor(name, baseURL, apiKey string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if oc, ok := c.clients[name]; ok {
		return oc
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	oc := openai.NewClientWithConfig(cfg)
	c.clients[name] = oc
	return oc
}

// isRetryable reports whether err warrants trying the next provider.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}
