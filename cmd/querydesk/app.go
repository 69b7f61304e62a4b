package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pario-ai/querydesk/pkg/audit"
	"github.com/pario-ai/querydesk/pkg/cache"
	"github.com/pario-ai/querydesk/pkg/config"
	"github.com/pario-ai/querydesk/pkg/datasource"
	"github.com/pario-ai/querydesk/pkg/engine"
	"github.com/pario-ai/querydesk/pkg/llm"
	"github.com/pario-ai/querydesk/pkg/observe"
	"github.com/pario-ai/querydesk/pkg/router"
)

const cacheSweepInterval = time.Minute

// app holds the wired components shared by serve, ask and mcp.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *observe.Provider
	db      *datasource.DB
	cache   *cache.Cache
	engine  *engine.Engine
	history *audit.Logger
}

// loadConfig reads path, or the defaults when path is empty, and validates
// the result.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, log: observe.NewLogger(cfg.Log)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.metrics, err = observe.NewMetrics(cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.db, err = datasource.Open(cfg.DataSource.Driver, cfg.DataSource.DSN)
	if err != nil {
		return nil, fmt.Errorf("open data source: %w", err)
	}

	if cfg.Cache.Enabled {
		a.cache = cache.New(cache.Options{
			TTL:           cfg.Cache.TTL,
			MaxSize:       cfg.Cache.MaxSize,
			ContextPrefix: cfg.Cache.ContextPrefix,
			SweepInterval: cacheSweepInterval,
		})
	}

	if cfg.Audit.Enabled {
		a.history, err = audit.New(cfg.Audit)
		if err != nil {
			return nil, fmt.Errorf("init history: %w", err)
		}
	}

	rt := router.New(cfg)
	client := llm.NewClient(rt,
		llm.WithMaxTokens(cfg.Engine.MaxTokens),
		llm.WithLogger(a.log),
	)

	a.engine = engine.New(engine.Deps{
		Generator:  client,
		Executor:   a.db,
		Classifier: rt,
		Schema:     a.db,
		Cache:      a.cache,
		Metrics:    a.metrics,
		Logger:     a.log,
	}, engine.Options{
		MaxRetries:     cfg.Engine.MaxRetries,
		CallTimeout:    cfg.Engine.CallTimeout,
		RequestTimeout: cfg.Engine.RequestTimeout,
	})
	a.db.OnSwap(a.engine.InvalidateAll)

	return a, nil
}

func (a *app) close() {
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.metrics.Shutdown(ctx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		a.log.WithError(err).Warn("shutdown")
	}
}
