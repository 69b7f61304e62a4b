package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/querydesk/pkg/cache"
	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/observe"
	"github.com/pario-ai/querydesk/pkg/router"
)

// reply scripts one Generate call.
type reply struct {
	text  string
	err   error
	panic bool
	gate  chan struct{} // block until closed or ctx done
}

func queryReply(reasoning, query string) reply {
	b, _ := json.Marshal(map[string]string{"thought_process": reasoning, "sql_query": query})
	return reply{text: string(b)}
}

type genCall struct {
	prompt string
	tier   models.Tier
	mode   string
}

type fakeGenerator struct {
	mu      sync.Mutex
	replies []reply
	calls   []genCall
	started chan struct{}
}

func newFakeGenerator(replies ...reply) *fakeGenerator {
	return &fakeGenerator{replies: replies, started: make(chan struct{}, 16)}
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, tier models.Tier) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, genCall{prompt: prompt, tier: tier, mode: router.ModeFrom(ctx)})
	var r reply
	if len(f.replies) > 0 {
		r = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.panic {
		panic("generator exploded")
	}
	return r.text, r.err
}

func (f *fakeGenerator) Calls() []genCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]genCall(nil), f.calls...)
}

type execResult struct {
	rs  *models.ResultSet
	err error
}

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]execResult
	panicOn string
	queries []string
}

func (f *fakeExecutor) Execute(ctx context.Context, query string) (*models.ResultSet, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	res, ok := f.results[query]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if query == f.panicOn {
		panic("executor exploded")
	}
	if !ok {
		return nil, errors.New("no such table: " + query)
	}
	return res.rs.Clone(), res.err
}

func (f *fakeExecutor) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fixedClassifier models.Tier

func (c fixedClassifier) Classify(string) models.Tier { return models.Tier(c) }

type panicClassifier struct{}

func (panicClassifier) Classify(string) models.Tier { panic("classifier exploded") }

type fakeSchema struct {
	summary string
	err     error
}

func (f fakeSchema) Schema(context.Context) (string, error) { return f.summary, f.err }

type panicSchema struct{}

func (panicSchema) Schema(context.Context) (string, error) { panic("schema exploded") }

type fakeEnricher struct {
	mu              sync.Mutex
	followUp        bool
	followUpErr     error
	suggestions     []string
	suggestionsErr  error
	summary         string
	panicSummary    bool
	followUpCalls   int
	suggestionCalls int
	summaryCalls    int
}

func (f *fakeEnricher) FollowUp(ctx context.Context, question, prior string) (bool, error) {
	f.mu.Lock()
	f.followUpCalls++
	f.mu.Unlock()
	return f.followUp, f.followUpErr
}

func (f *fakeEnricher) Suggestions(ctx context.Context, question, query string, rs *models.ResultSet) ([]string, error) {
	f.mu.Lock()
	f.suggestionCalls++
	f.mu.Unlock()
	return f.suggestions, f.suggestionsErr
}

func (f *fakeEnricher) Summary(ctx context.Context, question string, rs *models.ResultSet) (string, error) {
	f.mu.Lock()
	f.summaryCalls++
	f.mu.Unlock()
	if f.panicSummary {
		panic("summary exploded")
	}
	return f.summary, nil
}

func artistRows() *models.ResultSet {
	return &models.ResultSet{
		Columns: []string{"Name", "Total"},
		Rows:    [][]any{{"AC/DC", 12.5}, {"Accept", nil}},
	}
}

type harness struct {
	engine   *Engine
	gen      *fakeGenerator
	exec     *fakeExecutor
	enricher *fakeEnricher
	cache    *cache.Cache
}

func newHarness(t *testing.T, gen *fakeGenerator, exec *fakeExecutor, opts Options) *harness {
	t.Helper()
	c := cache.New(cache.Options{})
	t.Cleanup(func() { _ = c.Close() })
	enr := &fakeEnricher{
		followUp:    true,
		suggestions: []string{"By year?", "By genre?", "Top 5?"},
		summary:     "AC/DC leads with 12.5.",
	}
	if exec.results == nil {
		exec.results = map[string]execResult{}
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 2 * time.Second
	}
	// Most scenarios exercise the configured default of three retries.
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	e := New(Deps{
		Generator:  gen,
		Executor:   exec,
		Classifier: fixedClassifier(models.TierFast),
		Schema:     fakeSchema{summary: "Table: artists\nColumns: Name (TEXT)"},
		Enricher:   enr,
		Cache:      c,
		Logger:     observe.Discard(),
	}, opts)
	return &harness{engine: e, gen: gen, exec: exec, enricher: enr, cache: c}
}

// recorder collects streamed events.
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) emit(ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// kinds returns the event types, skipping status events.
func kinds(events []models.Event) []models.EventType {
	var out []models.EventType
	for _, ev := range events {
		if ev.Type != models.EventStatus {
			out = append(out, ev.Type)
		}
	}
	return out
}
