// Package app provides the main application structure for seorunner.
// It wires storage, credentials, the on-demand tool-call path, the
// per-owner worker instances and the schedule engine, and owns their
// lifecycle.
package app

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

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
	"github.com/aatumaykin/seorunner/internal/webhook"
)

// App represents the main application structure.
// It holds references to all major components and manages their lifecycle.
type App struct {
	// Configuration and core services
	config   *config.Config
	logger   *logger.Logger
	registry *prometheus.Registry

	// Persistence and credentials
	store    *storage.Store
	cipher   *secrets.Cipher
	resolver *credentials.Resolver
	usage    *usage.Tracker
	notifier *webhook.Notifier

	// On-demand tool calls
	pool     *pool.Pool
	spawner  *spawner.Spawner
	toolcall *toolcall.Service

	// Scheduled tool calls
	instances *instances.Pool
	scheduler *scheduler.Engine

	cleanup       *cleanup.Scheduler
	metricsServer *http.Server

	// Context management
	ctx    context.Context
	cancel context.CancelFunc

	// Thread-safety
	mu          sync.RWMutex
	initialized bool
	started     bool
}

// New creates a new App instance with the provided configuration and logger.
// Components are built in Initialize().
func New(cfg *config.Config, log *logger.Logger) *App {
	if log == nil {
		log = logger.Nop()
	}
	return &App{
		config: cfg,
		logger: log,
	}
}

// Run initializes and starts the application and blocks until the context
// is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	if err := a.Start(); err != nil {
		_ = a.Shutdown()
		return err
	}

	a.logger.Info("Application is running")

	<-ctx.Done()

	return a.Shutdown()
}

func (a *App) Store() *storage.Store {
	return a.store
}

func (a *App) Cipher() *secrets.Cipher {
	return a.cipher
}

func (a *App) ToolCalls() *toolcall.Service {
	return a.toolcall
}

func (a *App) Scheduler() *scheduler.Engine {
	return a.scheduler
}

func (a *App) Instances() *instances.Pool {
	return a.instances
}

func (a *App) Registry() *prometheus.Registry {
	return a.registry
}
