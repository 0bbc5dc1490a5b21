package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aatumaykin/seorunner/internal/cleanup"
	"github.com/aatumaykin/seorunner/internal/config"
	"github.com/aatumaykin/seorunner/internal/credentials"
	"github.com/aatumaykin/seorunner/internal/instances"
	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/pool"
	"github.com/aatumaykin/seorunner/internal/scheduler"
	"github.com/aatumaykin/seorunner/internal/secrets"
	"github.com/aatumaykin/seorunner/internal/spawner"
	"github.com/aatumaykin/seorunner/internal/storage"
	"github.com/aatumaykin/seorunner/internal/toolcall"
	"github.com/aatumaykin/seorunner/internal/usage"
	"github.com/aatumaykin/seorunner/internal/version"
	"github.com/aatumaykin/seorunner/internal/webhook"
)

// Initialize builds all application components without starting any
// background loops. It opens the database, so Shutdown must follow.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return nil
	}

	cfg := a.config

	// 1. Metrics registry
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ns := cfg.Metrics.Namespace

	// 2. Storage and credential sealing
	cipher, err := secrets.NewCipher(cfg.Storage.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create credential cipher: %w", err)
	}
	a.cipher = cipher

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.store = store

	a.resolver = credentials.NewResolver(store, cipher, cfg.Instances.ConfigDir)
	a.usage = usage.NewTracker(store, plans(cfg.Plans), a.logger)
	a.notifier = webhook.NewNotifier(store, webhook.Config{
		Timeout:     cfg.Webhook.Timeout(),
		MaxAttempts: cfg.Webhook.MaxAttempts,
		Retention:   cfg.Webhook.Retention(),
	}, a.logger)

	// 3. On-demand path: pool slot -> spawner
	a.pool = pool.New(cfg.Pool.MaxConcurrent, pool.NewMetrics(ns, "toolcall", a.registry))

	sp, err := spawner.New(spawner.Config{
		Binary:         cfg.Worker.Binary,
		Args:           cfg.Worker.Args,
		ConfigEnv:      cfg.Worker.ConfigEnv,
		LogEnv:         cfg.Worker.LogEnv,
		LogLevel:       cfg.Worker.LogLevel,
		TempDir:        cfg.Worker.TempDir,
		Env:            cfg.Worker.Env,
		InitTimeout:    cfg.Worker.InitTimeout(),
		CallTimeout:    cfg.Worker.CallTimeout(),
		TerminateGrace: cfg.Worker.TerminateGrace(),
		ClientName:     "seorunner",
		ClientVersion:  version.Version,
	}, a.logger, spawner.NewMetrics(ns, a.registry))
	if err != nil {
		_ = a.closeStore()
		return fmt.Errorf("failed to create spawner: %w", err)
	}
	a.spawner = sp

	a.toolcall = toolcall.New(toolcall.Config{
		AcquireTimeout: cfg.Pool.AcquireTimeout(),
	}, a.pool, a.spawner, a.usage, a.logger)

	// 4. Scheduled path: per-owner instances -> engine
	inst, err := instances.New(instances.Config{
		Binary:         cfg.Worker.Binary,
		Args:           cfg.Worker.Args,
		ConfigEnv:      cfg.Worker.ConfigEnv,
		LogEnv:         cfg.Worker.LogEnv,
		LogLevel:       cfg.Worker.LogLevel,
		Env:            cfg.Worker.Env,
		InitTimeout:    cfg.Worker.InitTimeout(),
		IdleTimeout:    cfg.Instances.IdleTTL(),
		TerminateGrace: cfg.Worker.TerminateGrace(),
		SpawnRate:      float64(cfg.Instances.MaxSpawnsPerMinute) / 60,
		SpawnBurst:     max(1, cfg.Instances.MaxSpawnsPerMinute/10),
		FailThreshold:  cfg.Instances.FailThreshold,
		FailCooldown:   cfg.Instances.FailCooldown(),
		ClientName:     "seorunner",
		ClientVersion:  version.Version,
	}, a.logger)
	if err != nil {
		_ = a.closeStore()
		return fmt.Errorf("failed to create instance pool: %w", err)
	}
	inst.OnEvict(func(ownerID string) {
		if err := a.resolver.Purge(ownerID); err != nil {
			a.logger.Warn("failed to purge owner credentials",
				logger.Field{Key: "owner_id", Value: ownerID},
				logger.Field{Key: "error", Value: err.Error()})
		}
	})
	a.instances = inst

	a.scheduler = scheduler.New(scheduler.Config{
		PollInterval:    cfg.Scheduler.PollInterval(),
		MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
		JobTimeout:      cfg.Scheduler.JobTimeout(),
		PruneEveryTicks: cfg.Scheduler.PruneEveryTicks,
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout(),
	}, scheduler.Deps{
		Store:    store,
		Resolver: a.resolver,
		Workers:  inst,
		Usage:    a.usage,
		Notifier: a.notifier,
		Logger:   a.logger,
		Metrics:  scheduler.NewMetrics(ns, a.registry),
	})

	a.cleanup = cleanup.NewScheduler(cleanup.NewRunner(cleanup.Config{
		Dir:    credentials.TempDir(cfg.Worker.TempDir),
		MaxAge: cfg.Cleanup.MaxAge(),
	}), cfg.Cleanup.Interval(), a.logger)

	// 5. Application context, cancelled on shutdown
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.initialized = true
	return nil
}

// Start runs the background loops: the instance sweeper, the orphaned
// artifact cleanup, the schedule engine when enabled, and the metrics
// endpoint when enabled.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return errors.New("application is not initialized")
	}
	if a.started {
		return nil
	}

	a.instances.Start()
	a.cleanup.Start(a.ctx)

	if a.config.Scheduler.Enabled {
		if err := a.scheduler.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	if a.config.Metrics.Enabled {
		a.startMetricsServer()
	}

	a.started = true
	a.logger.Info(version.FormatStartupMessage(),
		logger.Field{Key: "scheduler", Value: a.config.Scheduler.Enabled},
		logger.Field{Key: "pool_size", Value: a.config.Pool.MaxConcurrent})
	return nil
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              a.config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.metricsServer = srv

	go func() {
		a.logger.Info("metrics endpoint listening", logger.Field{Key: "addr", Value: srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", err)
		}
	}()
}

func plans(in map[string]config.PlanConfig) map[string]usage.Plan {
	out := make(map[string]usage.Plan, len(in))
	for name, p := range in {
		out[name] = usage.Plan{
			Name:             name,
			MonthlyCalls:     p.MonthlyCalls,
			MaxScheduledJobs: p.MaxScheduledJobs,
		}
	}
	return out
}
