package observe

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records engine activity.
//
// Implementations must be safe for concurrent use and must not panic.
type Metrics interface {
	// RecordRequest records one resolved question.
	RecordRequest(ctx context.Context, status string, cached bool, duration time.Duration)
	// RecordAttempt records one generate-then-execute attempt. kind is empty
	// for a successful attempt.
	RecordAttempt(ctx context.Context, tier, kind string)
	// RecordCache records a cache lookup.
	RecordCache(ctx context.Context, hit bool)
}

// Provider owns a Metrics implementation and its HTTP exposition.
type Provider struct {
	Metrics
	handler  http.Handler
	shutdown func(context.Context) error
}

// Handler serves the Prometheus text format, or 404 when metrics are off.
func (p *Provider) Handler() http.Handler { return p.handler }

// Shutdown flushes and releases the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error { return p.shutdown(ctx) }

// NewMetrics builds an OpenTelemetry meter provider exported through a
// dedicated Prometheus registry. When enabled is false every recording is a
// no-op.
func NewMetrics(enabled bool) (*Provider, error) {
	if !enabled {
		return &Provider{
			Metrics:  noopMetrics{},
			handler:  http.NotFoundHandler(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	reg := promclient.NewRegistry()
	exp, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))

	m, err := newMetrics(mp.Meter("github.com/pario-ai/querydesk"))
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return &Provider{
		Metrics:  m,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		shutdown: mp.Shutdown,
	}, nil
}

type metricsImpl struct {
	requests     metric.Int64Counter
	attempts     metric.Int64Counter
	cacheLookups metric.Int64Counter
	durationHist metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	requests, err := meter.Int64Counter(
		"querydesk.requests",
		metric.WithDescription("Total number of resolved questions"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter(
		"querydesk.attempts",
		metric.WithDescription("Total number of generation attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookups, err := meter.Int64Counter(
		"querydesk.cache.lookups",
		metric.WithDescription("Total number of answer cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"querydesk.request.duration_ms",
		metric.WithDescription("Question resolution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		requests:     requests,
		attempts:     attempts,
		cacheLookups: cacheLookups,
		durationHist: durationHist,
	}, nil
}

func (m *metricsImpl) RecordRequest(ctx context.Context, status string, cached bool, duration time.Duration) {
	opt := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("cached", strconv.FormatBool(cached)),
	)
	m.requests.Add(ctx, 1, opt)
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordAttempt(ctx context.Context, tier, kind string) {
	outcome := "success"
	if kind != "" {
		outcome = kind
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
}

func (m *metricsImpl) RecordCache(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

func (noopMetrics) RecordRequest(context.Context, string, bool, time.Duration) {}
func (noopMetrics) RecordAttempt(context.Context, string, string) {}
func (noopMetrics) RecordCache(context.Context, bool) {}

// Noop returns a Metrics that records nothing.
func Noop() Metrics { return noopMetrics{} }
