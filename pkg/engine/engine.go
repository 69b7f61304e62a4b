// Package engine resolves natural-language questions into executed queries:
// cache lookup, generate-execute-fallback attempts, concurrent enrichment and
// a progress event stream shared by the blocking and streaming paths.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/querydesk/pkg/cache"
	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/observe"
	"github.com/pario-ai/querydesk/pkg/prompts"
	"github.com/pario-ai/querydesk/pkg/router"
)

// ErrEmptyQuestion is returned for a blank question.
var ErrEmptyQuestion = errors.New("question is required")

// Generator produces model text for a prompt at a tier.
type Generator interface {
	Generate(ctx context.Context, prompt string, tier models.Tier) (string, error)
}

// Executor runs a query read-only.
type Executor interface {
	Execute(ctx context.Context, query string) (*models.ResultSet, error)
}

// Classifier picks the tier of the first attempt.
type Classifier interface {
	Classify(question string) models.Tier
}

// SchemaProvider describes the data source to the model.
type SchemaProvider interface {
	Schema(ctx context.Context) (string, error)
}

// dialecter is implemented by schema providers that know their SQL dialect.
type dialecter interface {
	Dialect() string
}

// Options bounds the engine.
type Options struct {
	MaxRetries     int
	CallTimeout    time.Duration
	RequestTimeout time.Duration
}

// Deps are the collaborators an Engine drives. Cache and Enricher are
// optional; a nil Enricher defaults to an LLMEnricher over Generator.
type Deps struct {
	Generator  Generator
	Executor   Executor
	Classifier Classifier
	Schema     SchemaProvider
	Enricher   Enricher
	Cache      *cache.Cache
	Metrics    observe.Metrics
	Logger     logrus.FieldLogger
}

// Engine answers questions. It is safe for concurrent use.
type Engine struct {
	gen      Generator
	exec     Executor
	classify Classifier
	schema   SchemaProvider
	enricher Enricher
	cache    *cache.Cache
	metrics  observe.Metrics
	log      logrus.FieldLogger
	opts     Options

	group singleflight.Group
}

// New creates an Engine. MaxRetries is used as given, so zero allows a
// single attempt; callers wanting the usual three retries set it. Zero
// timeouts default to 60s per call and 5m per request.
func New(d Deps, opts Options) *Engine {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	e := &Engine{
		gen:      d.Generator,
		exec:     d.Executor,
		classify: d.Classifier,
		schema:   d.Schema,
		enricher: d.Enricher,
		cache:    d.Cache,
		metrics:  d.Metrics,
		log:      d.Logger,
		opts:     opts,
	}
	if e.enricher == nil {
		e.enricher = NewLLMEnricher(d.Generator)
	}
	if e.metrics == nil {
		e.metrics = observe.Noop()
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	return e
}

// Resolve answers question, using prior as the previous query for
// follow-ups. The provider set named on ctx by router.WithMode serves the
// model calls. Concurrent identical questions in the same mode share one
// computation. The
// returned error is non-nil only for a blank question or when ctx ends
// before the answer is ready; failed answers are envelopes with status
// error.
func (e *Engine) Resolve(ctx context.Context, question, prior string) (*models.Envelope, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	key := fmt.Sprintf("%d:%s:%s", e.generation(), router.ModeFrom(ctx), e.cacheKey(question, prior))
	ch := e.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.RequestTimeout)
		defer cancel()
		return e.run(runCtx, question, prior, discard), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observe.FromContext(ctx, e.log).WithField("question", question).Debug("joined in-flight resolution")
		}
		return res.Val.(*models.Envelope).Clone(), nil
	}
}

// InvalidateAll drops every cached answer. Answers still being computed
// against the previous data are not cached when they finish.
func (e *Engine) InvalidateAll() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// CacheStats reports cache metrics, or false when caching is disabled.
func (e *Engine) CacheStats() (models.CacheStats, bool) {
	if e.cache == nil {
		return models.CacheStats{}, false
	}
	return e.cache.Stats(), true
}

func (e *Engine) generation() uint64 {
	if e.cache == nil {
		return 0
	}
	return e.cache.Generation()
}

func (e *Engine) cacheKey(question, prior string) string {
	if e.cache != nil {
		return e.cache.Key(question, prior)
	}
	return cache.Key(question, prior, cache.DefaultContextPrefix)
}

// sink receives progress events. It never blocks the run on failure.
type sink func(models.Event)

func discard(models.Event) {}

func (s sink) status(msg string) { s(models.Event{Type: models.EventStatus, Data: msg}) }
func (s sink) emit(t models.EventType, v any) { s(models.Event{Type: t, Data: v}) }

// run is the single resolution path behind Resolve and Stream.
func (e *Engine) run(ctx context.Context, question, prior string, out sink) *models.Envelope {
	start := time.Now()
	log := observe.FromContext(ctx, e.log)

	mode := router.ModeFrom(ctx)
	if mode == "" {
		mode = "default"
	}
	out.status(fmt.Sprintf("Analyzing with %s models...", mode))
	out.status("Checking cache...")
	if e.cache != nil {
		env, ok := e.cache.Get(question, prior)
		e.metrics.RecordCache(ctx, ok)
		if ok {
			log.WithField("cache_age", env.CacheAge.String()).Info("cache hit")
			replay(env, out)
			e.metrics.RecordRequest(ctx, string(env.Status), true, time.Since(start))
			return env
		}
	}
	gen := e.generation()

	out.status("Determining query complexity...")
	tier := e.tierFor(ctx, question)
	env := &models.Envelope{
		Question:    question,
		Model:       tier,
		Status:      models.StatusPending,
		Suggestions: []string{},
	}

	out.status("Loading database schema...")
	base := e.basePrompt(ctx, question, prior)

	e.attempts(ctx, env, tier, question, base, out)

	if env.Status == models.StatusSuccess {
		out.status("Generating insights...")
		followUp, suggestions, summary := e.postProcess(ctx, question, env.Query(), prior, env.Result)
		env.Suggestions = suggestions
		env.Summary = summary
		if len(suggestions) > 0 {
			out.emit(models.EventSuggestions, append([]string(nil), suggestions...))
		}
		if summary != "" {
			out.emit(models.EventSummary, summary)
		}
		log.WithFields(logrus.Fields{
			"attempts":  len(env.Steps),
			"tier":      env.Model,
			"follow_up": followUp,
			"rows":      len(env.Result.Rows),
		}).Info("question resolved")

		if e.cache != nil && ctx.Err() == nil {
			if !e.cache.SetIfCurrent(gen, question, prior, env) {
				log.Debug("data source changed during resolution, answer not cached")
			}
		}
	} else {
		out.emit(models.EventError, env.Err())
		log.WithFields(logrus.Fields{
			"attempts": len(env.Steps),
			"error":    env.Err(),
		}).Warn("question failed")
	}

	out.emit(models.EventDone, models.DonePayload{Status: env.Status, Cached: false})
	e.metrics.RecordRequest(ctx, string(env.Status), false, time.Since(start))
	return env
}

// tierFor classifies question. A panicking classifier yields the fast tier.
func (e *Engine) tierFor(ctx context.Context, question string) (tier models.Tier) {
	defer func() {
		if r := recover(); r != nil {
			observe.FromContext(ctx, e.log).Warnf("classifier panicked, using fast tier: %v", r)
			tier = models.TierFast
		}
	}()
	return e.classify.Classify(question)
}

func (e *Engine) basePrompt(ctx context.Context, question, prior string) string {
	schema, dialect, err := e.describe(ctx)
	if err != nil {
		observe.FromContext(ctx, e.log).WithError(err).Warn("schema unavailable, generating without it")
		schema = fmt.Sprintf("(schema unavailable: %v)", err)
	}
	return prompts.Generation(prompts.System(schema, dialect), question, prior)
}

// describe fetches the schema summary and SQL dialect. A panic in the
// provider is returned as an error.
func (e *Engine) describe(ctx context.Context) (schema, dialect string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			schema, dialect, err = "", "", fmt.Errorf("panic: %v", r)
		}
	}()

	schema, err = e.schema.Schema(callCtx)
	if d, ok := e.schema.(dialecter); ok {
		dialect = d.Dialect()
	}
	return schema, dialect, err
}
