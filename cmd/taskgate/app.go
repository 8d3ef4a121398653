package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/backends"
	"github.com/haasonsaas/taskgate/internal/config"
	"github.com/haasonsaas/taskgate/internal/dispatch"
	"github.com/haasonsaas/taskgate/internal/execution"
	"github.com/haasonsaas/taskgate/internal/gateway"
	"github.com/haasonsaas/taskgate/internal/ledger"
	"github.com/haasonsaas/taskgate/internal/observability"
	"github.com/haasonsaas/taskgate/internal/ratelimit"
	"github.com/haasonsaas/taskgate/internal/routing"
	"github.com/haasonsaas/taskgate/internal/storage"
)

// app holds every wired component of a running service.
type app struct {
	config     *config.Config
	logger     *slog.Logger
	stores     storage.StoreSet
	redis      redis.UniversalClient
	auth       *auth.Service
	gate       *ledger.Gate
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	server     *gateway.Server

	shutdownTracer func(context.Context) error
}

// buildApp wires stores, ledger, backends, dispatcher and gateway from cfg.
// The metrics registry may be nil to use the default registerer.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (*app, error) {
	a := &app{config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.WithoutCancel(ctx)) //nolint:errcheck
		}
	}()

	routes, err := routing.NewRegistry(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("build routes: %w", err)
	}

	if cfg.Database.URL != "" {
		a.stores, err = storage.NewCockroachStoresFromDSN(ctx, cfg.Database.URL, cfg.Database.Pool())
		if err != nil {
			return nil, fmt.Errorf("open stores: %w", err)
		}
	} else {
		a.stores = storage.NewMemoryStores()
		logger.Warn("database.url not set; runs and jobs are kept in memory")
	}

	credits, err := a.buildLedger(ctx)
	if err != nil {
		return nil, err
	}

	var registerer prometheus.Registerer
	var metricsHandler http.Handler
	if !cfg.Observability.DisableMetrics {
		if registry != nil {
			registerer = registry
			metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		} else {
			metricsHandler = promhttp.Handler()
		}
		a.metrics = observability.NewMetrics(registerer)
	}
	a.tracer, a.shutdownTracer = observability.NewTracer(cfg.Observability.Tracing)

	a.gate = ledger.NewGate(credits, cfg.Ledger.Gate(), logger)
	if a.metrics != nil {
		a.gate.SetObserver(a.metrics)
	}
	a.auth = auth.NewService(cfg.Auth)

	opts := []dispatch.Option{
		dispatch.WithLimiter(ratelimit.NewLimiter(cfg.RateLimit)),
		dispatch.WithBackoff(cfg.Dispatch.Backoff),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithTracer(a.tracer),
	}
	if !cfg.Dispatch.DisableFallback {
		opts = append(opts, dispatch.WithFallback(dispatch.NewOrchestrator(a.stores.Runs, a.stores.Jobs, dispatch.OrchestratorConfig{
			Logger:  logger,
			Metrics: a.metrics,
			Tracer:  a.tracer,
		})))
	}
	a.dispatcher = dispatch.New(routes, a.buildBackends(), a.gate, a.stores.Runs, opts...)

	a.server = gateway.NewServer(gateway.Config{
		HTTPAddr:        cfg.Server.HTTPAddr(),
		GRPCAddr:        cfg.Server.GRPCAddr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsHandler:  metricsHandler,
		JobStore:        a.stores.Jobs,
		JobRetention:    cfg.Dispatch.JobRetention,
		PruneInterval:   cfg.Dispatch.PruneInterval,
	}, a.dispatcher, a.gate, a.auth, a.metrics, logger)

	ok = true
	return a, nil
}

func (a *app) buildLedger(ctx context.Context) (ledger.Ledger, error) {
	cfg := a.config
	switch cfg.Ledger.Backend {
	case config.LedgerCockroach:
		if a.stores.DB == nil {
			return nil, errors.New("cockroach ledger requires database.url")
		}
		return a.stores.Ledger, nil
	case config.LedgerRedis:
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		var opts []ledger.RedisOption
		if cfg.Redis.Prefix != "" {
			opts = append(opts, ledger.WithPrefix(cfg.Redis.Prefix))
		}
		if cfg.Ledger.TransactionTTL > 0 {
			opts = append(opts, ledger.WithTransactionTTL(cfg.Ledger.TransactionTTL))
		}
		return ledger.NewRedisLedger(a.redis, opts...), nil
	default:
		if a.stores.DB == nil {
			return a.stores.Ledger, nil
		}
		return ledger.NewMemoryLedger(), nil
	}
}

func (a *app) buildBackends() backends.Set {
	endpoints := []struct {
		name     execution.Backend
		endpoint config.BackendEndpoint
	}{
		{execution.BackendEdge, a.config.Backends.Edge},
		{execution.BackendCluster, a.config.Backends.Cluster},
	}

	var configured []backends.Backend
	for _, e := range endpoints {
		if e.endpoint.URL == "" {
			a.logger.Warn("backend not configured; its routes will fail", "backend", e.name)
			continue
		}
		backend, err := backends.NewHTTPBackend(backends.HTTPConfig{
			Name:    e.name,
			BaseURL: e.endpoint.URL,
			Token:   e.endpoint.Token,
			Logger:  a.logger,
		})
		if err != nil {
			a.logger.Error("backend disabled", "backend", e.name, "error", err)
			continue
		}
		breakerCfg := a.config.Backends.Breaker
		breakerCfg.OnStateChange = func(name execution.Backend, from, to string) {
			a.logger.Warn("backend circuit state changed", "backend", name, "from", from, "to", to)
		}
		configured = append(configured, backends.WithBreaker(backend, breakerCfg))
	}
	return backends.NewSet(configured...)
}

// Close releases stores, the redis client and the tracer.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.shutdownTracer != nil {
		errs = append(errs, a.shutdownTracer(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.stores.Close())
	return errors.Join(errs...)
}
