package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pario-ai/querydesk/pkg/audit"
	"github.com/pario-ai/querydesk/pkg/config"
	"github.com/pario-ai/querydesk/pkg/engine"
	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/observe"
	"github.com/pario-ai/querydesk/pkg/router"
)

const (
	healthTimeout  = 5 * time.Second
	historyTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// Engine resolves questions.
type Engine interface {
	Resolve(ctx context.Context, question, prior string) (*models.Envelope, error)
	Stream(ctx context.Context, question, prior string, emit func(models.Event) error) (*models.Envelope, error)
	InvalidateAll()
	CacheStats() (models.CacheStats, bool)
}

// DataSource is the live database behind the engine.
type DataSource interface {
	HealthCheck(ctx context.Context) error
	Swap(ctx context.Context, driver, dsn string) error
}

// History records finished requests.
type History interface {
	Log(ctx context.Context, entry models.HistoryEntry) error
}

// Server is the querydesk HTTP API.
type Server struct {
	cfg     *config.Config
	engine  Engine
	ds      DataSource
	history History
	metrics http.Handler
	log     logrus.FieldLogger
	mux     *http.ServeMux
	handler http.Handler
	pending sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithHistory records every answered request.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithMetricsHandler serves h on the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the request logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server wired with its dependencies.
func New(cfg *config.Config, eng Engine, ds DataSource, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		ds:     ds,
		log:    observe.Discard(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /api/query", s.handleQuery)
	s.mux.HandleFunc("POST /api/query/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)
	s.mux.HandleFunc("POST /api/datasource", s.handleDataSource)
	if s.metrics != nil && cfg.Metrics.Enabled {
		s.mux.Handle("GET "+cfg.Metrics.Path, s.metrics)
	}
	s.handler = observe.RequestLogger(s.log, s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the API server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("querydesk listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		s.Wait()
		return err
	case err := <-errCh:
		return err
	}
}

// Wait blocks until pending history writes have finished.
func (s *Server) Wait() {
	s.pending.Wait()
}

// QueryRequest is the body of both query endpoints.
type QueryRequest struct {
	Question    string `json:"question"`
	PreviousSQL string `json:"previous_sql,omitempty"`
	LLMMode     string `json:"llm_mode,omitempty"`
}

// QueryResponse is the blocking answer to a question.
type QueryResponse struct {
	Status       models.Status        `json:"status"`
	ModelUsed    models.Tier          `json:"model_used,omitempty"`
	ThoughtTrace string               `json:"thought_trace"`
	SQLCode      string               `json:"sql_code"`
	Columns      []string             `json:"columns"`
	Results      [][]string           `json:"results"`
	Suggestions  []string             `json:"suggestions"`
	DataSummary  string               `json:"data_summary"`
	Error        string               `json:"error,omitempty"`
	Cached       bool                 `json:"cached"`
	CacheAge     float64              `json:"cache_age"`
	Steps        []models.AttemptStep `json:"steps"`
}

// NewQueryResponse flattens an envelope into the API response shape.
func NewQueryResponse(env *models.Envelope) QueryResponse {
	resp := QueryResponse{
		Status:       env.Status,
		ModelUsed:    env.Model,
		ThoughtTrace: env.Reasoning(),
		SQLCode:      env.Query(),
		Columns:      []string{},
		Results:      [][]string{},
		Suggestions:  env.Suggestions,
		DataSummary:  env.Summary,
		Error:        env.Err(),
		Cached:       env.Cached,
		CacheAge:     env.CacheAge.Seconds(),
		Steps:        env.Steps,
	}
	if len(env.Steps) > 1 {
		first := env.Steps[0].Error
		if first == "" {
			first = "Unknown error"
		}
		resp.ThoughtTrace = fmt.Sprintf("[Attempt 1 Failed: %s]\n\nRetry Thought: %s", first, resp.ThoughtTrace)
	}
	if env.Result != nil {
		resp.Columns = append(resp.Columns, env.Result.Columns...)
		for _, row := range env.Result.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = engine.Cell(v)
			}
			resp.Results = append(resp.Results, cells)
		}
	}
	if resp.Suggestions == nil {
		resp.Suggestions = []string{}
	}
	if resp.Steps == nil {
		resp.Steps = []models.AttemptStep{}
	}
	return resp
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	start := time.Now()
	env, err := s.engine.Resolve(router.WithMode(r.Context(), req.LLMMode), req.Question, req.PreviousSQL)
	if err != nil {
		if errors.Is(err, engine.ErrEmptyQuestion) {
			writeJSONError(w, http.StatusBadRequest, "Question cannot be empty")
			return
		}
		if r.Context().Err() != nil {
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r.Context(), env, start)

	writeJSON(w, http.StatusOK, NewQueryResponse(env))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := router.WithMode(r.Context(), req.LLMMode)
	emit := func(ev models.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := WriteEvent(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	start := time.Now()
	env, err := s.engine.Stream(ctx, req.Question, req.PreviousSQL, emit)
	if env != nil {
		s.record(ctx, env, start)
	}
	if err != nil {
		observe.FromContext(ctx, s.log).WithError(err).Debug("stream ended early")
		if ctx.Err() == nil && env == nil {
			_ = WriteEvent(w, models.Event{Type: models.EventError, Data: err.Error()})
			_ = WriteEvent(w, models.Event{Type: models.EventDone, Data: models.DonePayload{Status: models.StatusError}})
			flusher.Flush()
		}
	}
}

// decodeQuery reads a QueryRequest and rejects blank questions and unknown
// llm modes.
func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeJSONError(w, http.StatusBadRequest, "Question cannot be empty")
		return req, false
	}
	req.LLMMode = strings.TrimSpace(req.LLMMode)
	if !s.cfg.HasMode(req.LLMMode) {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown llm_mode %q", req.LLMMode))
		return req, false
	}
	return req, true
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.ds.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Message: fmt.Sprintf("data source unreachable: %v", err),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Message: "querydesk API is running",
	})
}

// CacheStatsResponse reports cache state.
type CacheStatsResponse struct {
	Enabled bool    `json:"enabled"`
	Entries int64   `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	MaxSize int     `json:"max_size"`
	TTL     float64 `json:"ttl_seconds"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats, ok := s.engine.CacheStats()
	if !ok {
		writeJSON(w, http.StatusOK, CacheStatsResponse{})
		return
	}
	writeJSON(w, http.StatusOK, CacheStatsResponse{
		Enabled: true,
		Entries: stats.Entries,
		Hits:    stats.Hits,
		Misses:  stats.Misses,
		MaxSize: stats.MaxSize,
		TTL:     stats.TTL.Seconds(),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	s.engine.InvalidateAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// DataSourceRequest points the server at another database.
type DataSourceRequest struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

func (s *Server) handleDataSource(w http.ResponseWriter, r *http.Request) {
	var req DataSourceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Driver == "" || req.DSN == "" {
		writeJSONError(w, http.StatusBadRequest, "driver and dsn are required")
		return
	}
	if err := s.ds.Swap(r.Context(), req.Driver, req.DSN); err != nil {
		writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("swap data source: %v", err))
		return
	}
	observe.FromContext(r.Context(), s.log).WithField("driver", req.Driver).Info("data source swapped")
	writeJSON(w, http.StatusOK, map[string]string{"status": "swapped", "driver": req.Driver})
}

// record writes env to the history without holding up the response.
func (s *Server) record(ctx context.Context, env *models.Envelope, start time.Time) {
	if s.history == nil {
		return
	}
	entry := audit.FromEnvelope(observe.RequestID(ctx), env, time.Since(start))
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		defer cancel()
		if err := s.history.Log(logCtx, entry); err != nil {
			s.log.WithError(err).Warn("history write failed")
		}
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"querydesk_error","code":%d}}`, message, code)
}
