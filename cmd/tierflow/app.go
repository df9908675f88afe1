package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/tierflow/tierflow/cache"
	"github.com/tierflow/tierflow/core"
	"github.com/tierflow/tierflow/orchestration"
	"github.com/tierflow/tierflow/providers"
	"github.com/tierflow/tierflow/routing"
	"github.com/tierflow/tierflow/telemetry"
)

// App assembles the full pipeline: registry, resilient client, cache,
// ledger, router, and engine, all from one configuration.
type App struct {
	Config   *core.Config
	Logger   core.Logger
	Registry *core.ModelRegistry
	Client   *providers.Client
	Cache    *cache.Cache
	Ledger   *telemetry.Ledger
	Router   *routing.Router
	Engine   *orchestration.Engine

	sink  orchestration.PatternSink
	store cache.Store
}

// newApp wires the application from a config file (or defaults when
// path is empty).
func newApp(configPath string) (*App, error) {
	cfg := core.DefaultConfig()
	if configPath != "" {
		loaded, err := core.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := core.NewStdLogger(core.ParseLogLevel(cfg.LogLevel))

	registry, err := cfg.BuildModelRegistry(logger)
	if err != nil {
		return nil, err
	}

	client, err := providers.NewClient(providers.ClientConfig{
		Registry:   registry,
		Resilience: cfg.Resilience,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	for name, pc := range cfg.Providers {
		var p providers.Provider
		if strings.Contains(name, "anthropic") {
			p = providers.NewAnthropicClient(name, pc.APIKey(), pc.Endpoint, logger)
		} else {
			p = providers.NewOpenAIClient(name, pc.APIKey(), pc.Endpoint, logger)
		}
		if err := client.RegisterProvider(p, pc.Concurrency); err != nil {
			return nil, err
		}
	}

	app := &App{Config: cfg, Logger: logger, Registry: registry, Client: client}

	if cfg.Cache.RedisURL != "" {
		ttl := time.Duration(cfg.Cache.SemanticAgeLimitDays) * 24 * time.Hour
		store, err := cache.NewRedisStore(cfg.Cache.RedisURL, ttl, logger)
		if err != nil {
			logger.Warn("Redis cache store unavailable, continuing in-memory only", map[string]interface{}{
				"operation": "cache_store_connect_error",
				"error":     err.Error(),
			})
		} else {
			app.store = store
		}
	}
	responseCache, err := cache.New(cache.ConfigFrom(cfg.Cache, nil, app.store, logger))
	if err != nil {
		return nil, err
	}
	app.Cache = responseCache

	ledger, err := telemetry.NewLedger(telemetry.LedgerConfigFrom(cfg.Telemetry, cfg.DataDir, logger))
	if err != nil {
		return nil, err
	}
	app.Ledger = ledger

	app.sink = orchestration.NoopSink{}
	if cfg.Patterns.Enabled && cfg.Patterns.NATSURL != "" {
		sink, err := orchestration.NewNATSSink(cfg.Patterns.NATSURL, cfg.Patterns.Subject, logger)
		if err != nil {
			logger.Warn("Pattern sink unavailable, continuing without it", map[string]interface{}{
				"operation": "pattern_sink_connect_error",
				"error":     err.Error(),
			})
		} else {
			app.sink = sink
		}
	}

	engine, err := orchestration.NewEngine(orchestration.EngineConfig{
		Registry: registry,
		Client:   client,
		Cache:    responseCache,
		Ledger:   ledger,
		Metrics:  telemetry.NewMetrics(),
		Sink:     app.sink,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.RegisterFromConfig(cfg); err != nil {
		return nil, err
	}
	app.Engine = engine

	if len(cfg.Workflows) > 0 {
		classifier := routing.NewLLMClassifier(client, registry, logger)
		router, err := routing.NewRouter(cfg.Routing, cfg.Workflows, classifier, logger)
		if err != nil {
			return nil, err
		}
		app.Router = router
	}

	return app, nil
}

// Close releases external connections
func (a *App) Close() error {
	var first error
	if a.sink != nil {
		if err := a.sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return fmt.Errorf("shutdown: %w", first)
	}
	return nil
}
