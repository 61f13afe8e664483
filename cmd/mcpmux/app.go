package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/mcpmux/internal/agent"
	"github.com/haasonsaas/mcpmux/internal/config"
	"github.com/haasonsaas/mcpmux/internal/llm"
	"github.com/haasonsaas/mcpmux/internal/llm/conversation"
	"github.com/haasonsaas/mcpmux/internal/mcp"
	"github.com/haasonsaas/mcpmux/internal/normalize"
	"github.com/haasonsaas/mcpmux/internal/observability"
)

// app holds everything a command wires together. close releases it in
// reverse order of construction.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	pool   *mcp.Pool
	events *observability.EventLog
	store  conversation.Store

	closers []func(context.Context) error
}

// newApp loads configuration and sets up logging, metrics and tracing.
func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "mcpmux",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(registry),
		tracer:  tracer,
	}
	a.closers = append(a.closers, shutdown)

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.Observability.MetricsAddr
	}
	if addr != "" {
		a.serveMetrics(addr, registry)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)
	a.closers = append(a.closers, server.Shutdown)
}

// startPool starts the configured servers, or only the listed ones.
func (a *app) startPool(ctx context.Context, only ...string) error {
	servers := a.cfg.Servers
	if len(only) > 0 {
		servers = nil
		for _, id := range only {
			for _, server := range a.cfg.Servers {
				if server.ID == id {
					servers = append(servers, server)
				}
			}
		}
		if len(servers) == 0 {
			return fmt.Errorf("server %q is not configured", only[0])
		}
	}

	pool := mcp.NewPool(servers,
		mcp.WithLogger(a.logger),
		mcp.WithNormalizer(normalize.Default()),
		mcp.WithMetrics(a.metrics),
		mcp.WithTracer(a.tracer),
		mcp.WithSchemaValidation(true),
	)
	if err := pool.Start(ctx); err != nil {
		// Start already closed the sessions it opened; Stop ends the event loop.
		_ = pool.Stop()
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, func(context.Context) error { return pool.Stop() })
	return nil
}

// openEvents opens the JSONL event log.
func (a *app) openEvents() error {
	events, err := observability.OpenEventLog(a.cfg.EventLogPath())
	if err != nil {
		return err
	}
	a.events = events
	a.closers = append(a.closers, func(context.Context) error { return events.Close() })
	return nil
}

// openStore opens the conversation store named by store.driver.
func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "sqlite":
		store, err := conversation.OpenSQLiteStore(ctx, a.cfg.Store.Path)
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = conversation.NewMemoryStore(a.cfg.Store.MaxEntries)
	}
	store := a.store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return nil
}

// newModel builds the default provider's backend.
func (a *app) newModel() llm.Model {
	name, provider := a.cfg.Provider()
	httpClient := &http.Client{Timeout: a.cfg.LLM.Timeout}

	var model llm.Model
	switch name {
	case config.ProviderAnthropic:
		model = llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:      provider.APIKey,
			BaseURL:     provider.BaseURL,
			Model:       provider.DefaultModel,
			HTTPClient:  httpClient,
			MaxAttempts: a.cfg.LLM.MaxAttempts,
			Store:       a.store,
			Logger:      a.logger,
		})
	default:
		model = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:      provider.APIKey,
			BaseURL:     provider.BaseURL,
			Model:       provider.DefaultModel,
			HTTPClient:  httpClient,
			MaxAttempts: a.cfg.LLM.MaxAttempts,
			Store:       a.store,
			Logger:      a.logger,
		})
	}
	return llm.Instrument(model, name, a.metrics, a.tracer)
}

// agentConfig maps the agent section onto agent.Config.
func (a *app) agentConfig() agent.Config {
	return agent.Config{
		MaxSteps:         a.cfg.Agent.MaxSteps,
		ObservationLimit: a.cfg.Agent.ObservationLimit,
		MaxOutputTokens:  a.cfg.Agent.MaxOutputTokens,
		SystemPrompt:     a.cfg.Agent.SystemPrompt,
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
