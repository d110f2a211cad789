package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sravan-iaisolution/codebox/agentloop"
	"github.com/sravan-iaisolution/codebox/config"
	"github.com/sravan-iaisolution/codebox/durable"
	"github.com/sravan-iaisolution/codebox/fragment"
	"github.com/sravan-iaisolution/codebox/logging"
	"github.com/sravan-iaisolution/codebox/metrics"
	"github.com/sravan-iaisolution/codebox/sandbox"
	"github.com/sravan-iaisolution/codebox/service"
	"github.com/sravan-iaisolution/codebox/unifiedllm"
)

// app is the wired process: configuration, stores, agent and service.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	registry *prometheus.Registry
	service  *service.Service

	closers []func() error
}

type stores struct {
	steps    durable.Store
	messages fragment.Store
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(config.New(), configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	a.closers = append(a.closers, logger.Close)
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(a.registry)

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	local := sandbox.NewLocalProvider(cfg.Sandbox.Root, cfg.Sandbox.HostSuffix, logger.Logger)
	sandboxes, err := sandbox.NewCachingProvider(local, cfg.Sandbox.CacheSize)
	if err != nil {
		a.Close()
		return nil, err
	}

	client, err := a.newClient()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, client.Close)

	persister := fragment.NewPersister(st.messages,
		fragment.WithRetryPolicy(cfg.RetryPolicy()),
		fragment.WithLogger(logger.Logger),
		fragment.WithMetrics(m),
	)
	agent, err := agentloop.NewAgent(agentloop.Deps{
		Client:    client,
		Sandboxes: sandboxes,
		Steps:     st.steps,
		Persister: persister,
		Logger:    logger.Logger,
		Metrics:   m,
	}, cfg.AgentConfig())
	if err != nil {
		a.Close()
		return nil, err
	}

	a.service = service.New(agent, st.steps, st.messages, persister, service.Options{
		Workers:   cfg.Server.Workers,
		QueueSize: cfg.Server.QueueSize,
		Logger:    logger.Logger,
	})
	return a, nil
}

func (a *app) openStores(ctx context.Context) (*stores, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		steps := durable.NewPostgresStore(pool)
		if err := steps.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		messages := fragment.NewPostgresStore(pool)
		if err := messages.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return &stores{steps: steps, messages: messages}, nil
	default:
		if dir := filepath.Dir(a.cfg.Store.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		steps, err := durable.NewSQLite(a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, steps.Close)
		if err := steps.Init(ctx); err != nil {
			return nil, err
		}
		messages, err := fragment.NewSQLite(a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, messages.Close)
		if err := messages.Init(ctx); err != nil {
			return nil, err
		}
		return &stores{steps: steps, messages: messages}, nil
	}
}

func (a *app) newClient() (*unifiedllm.Client, error) {
	llm := a.cfg.LLM
	adapter, err := unifiedllm.NewGollmAdapter(llm.Provider, llm.APIKey,
		unifiedllm.WithModel(llm.Model),
		unifiedllm.WithTemperature(llm.Temperature),
		unifiedllm.WithMaxTokens(llm.MaxTokens),
	)
	if err != nil {
		return nil, err
	}

	var middleware []unifiedllm.Middleware
	if llm.MaxRetries > 0 {
		policy := unifiedllm.DefaultRetryPolicy()
		policy.MaxRetries = llm.MaxRetries
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			a.log.Warn("retrying model call", "attempt", attempt, "delay", delay, "error", err)
		}
		middleware = append(middleware, unifiedllm.RetryMiddleware(policy))
	}
	middleware = append(middleware, unifiedllm.LoggingMiddleware(a.log.Logger))

	return unifiedllm.NewClient(
		unifiedllm.WithProvider(llm.Provider, adapter),
		unifiedllm.WithDefaultProvider(llm.Provider),
		unifiedllm.WithDefaultModel(llm.Model),
		unifiedllm.WithMiddleware(middleware...),
	), nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
