// Package scheduler runs owners' recurring tool invocations. A single cron
// entry polls the job store at a fixed interval; each due job runs in its own
// goroutine against the owner's long-lived worker instance, bounded by a
// system-wide concurrency cap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aatumaykin/seorunner/internal/jsonrpc"
	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/schedule"
	"github.com/aatumaykin/seorunner/internal/usage"
	"github.com/aatumaykin/seorunner/internal/webhook"
)

var (
	ErrJobNotFound  = errors.New("scheduled job not found")
	ErrPlanLimit    = errors.New("scheduled job limit reached for plan")
	ErrAtCapacity   = errors.New("scheduler is at capacity")
	ErrJobRunning   = errors.New("scheduled job is already running")
	ErrKeyNotFound  = errors.New("credential key not found for owner")
	ErrQuotaReached = errors.New("monthly usage quota reached")
)

const (
	DefaultPollInterval    = 60 * time.Second
	DefaultMaxConcurrent   = 3
	DefaultJobTimeout      = 120 * time.Second
	DefaultPruneEveryTicks = 10
	DefaultShutdownTimeout = 30 * time.Second
)

type JobStore interface {
	DueJobs(ctx context.Context, now time.Time, limit int) ([]schedule.DueJob, error)
	GetDueJob(ctx context.Context, id string) (schedule.DueJob, error)
	RecordRun(ctx context.Context, id string, nextRun, ranAt time.Time, lastError string) error

	OwnerPlan(ctx context.Context, ownerID string) (string, error)
	OwnsCredentialKey(ctx context.Context, ownerID, keyID string) (bool, error)
	CountJobs(ctx context.Context, ownerID string) (int, error)
	ListJobs(ctx context.Context, ownerID string) ([]schedule.Job, error)
	GetJob(ctx context.Context, ownerID, id string) (schedule.Job, error)
	InsertJob(ctx context.Context, j schedule.Job) error
	UpdateJob(ctx context.Context, j schedule.Job, reschedule bool) error
	DeleteJob(ctx context.Context, ownerID, id string) error
}

// ConfigResolver refreshes an owner's credentials and returns the path of
// the worker configuration generated from them.
type ConfigResolver interface {
	ResolveConfig(ctx context.Context, ownerID, keyID string) (string, error)
}

// WorkerPool hands out long-lived per-owner worker instances. A handle may
// be shared by concurrent jobs of the same owner.
type WorkerPool interface {
	GetInstance(ownerID, configPath string) (WorkerHandle, error)
	KillAll()
}

type WorkerHandle interface {
	EnsureReady(ctx context.Context) error
	Send(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error)
}

type UsageRecorder interface {
	WithinQuota(ctx context.Context, principal, plan string) (bool, error)
	LogUsage(ctx context.Context, principal, tool string, outcome usage.Outcome, d time.Duration) error
	CaptureAudit(ctx context.Context, ownerID, keyID, tool string, args map[string]any, result string, d time.Duration, plan string) error
	MaxScheduledJobs(plan string) int
}

type Notifier interface {
	NotifyScheduledJobResult(ctx context.Context, r webhook.JobResult) error
	PruneStaleDeliveries(ctx context.Context) (int64, error)
}

type Config struct {
	PollInterval    time.Duration
	MaxConcurrent   int
	JobTimeout      time.Duration
	PruneEveryTicks int
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.PruneEveryTicks <= 0 {
		c.PruneEveryTicks = DefaultPruneEveryTicks
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Deps groups the collaborators of the engine.
type Deps struct {
	Store    JobStore
	Resolver ConfigResolver
	Workers  WorkerPool
	Usage    UsageRecorder
	Notifier Notifier
	Logger   *logger.Logger
	Metrics  *Metrics
}

type Engine struct {
	cfg      Config
	store    JobStore
	resolver ConfigResolver
	workers  WorkerPool
	usage    UsageRecorder
	notifier Notifier
	log      *logger.Logger
	metrics  *Metrics
	now      func() time.Time

	active atomic.Int32
	ticks  atomic.Uint64
	jobs   sync.WaitGroup
	// running holds the ids of jobs between launch and RecordRun.
	running sync.Map

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}

	e := &Engine{
		cfg:      cfg,
		store:    deps.Store,
		resolver: deps.Resolver,
		workers:  deps.Workers,
		usage:    deps.Usage,
		notifier: deps.Notifier,
		log:      log.Component("scheduler"),
		metrics:  deps.Metrics,
		now:      time.Now,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start schedules the poll loop. Jobs run under a context derived from ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("scheduler already started")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	cl := cronLogger{log: e.log}
	e.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	e.cron.Schedule(cron.Every(e.cfg.PollInterval), cron.FuncJob(func() {
		e.Poll(e.ctx)
	}))
	e.cron.Start()
	e.started = true

	e.log.Info("scheduler started",
		logger.Field{Key: "poll_interval", Value: e.cfg.PollInterval.String()},
		logger.Field{Key: "max_concurrent", Value: e.cfg.MaxConcurrent})
	return nil
}

// Stop halts polling and waits, up to the shutdown timeout, for running
// jobs to finish before cancelling them.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("scheduler not started")
	}
	e.started = false
	c := e.cron
	e.mu.Unlock()

	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		e.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownTimeout):
		e.log.Warn("scheduled jobs still running at shutdown, cancelling",
			logger.Field{Key: "active", Value: e.Active()})
		e.cancel()
		<-done
	}
	e.cancel()

	e.log.Info("scheduler stopped")
	return nil
}

// IsStarted reports whether the poll loop is scheduled.
func (e *Engine) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Active is the number of jobs currently executing.
func (e *Engine) Active() int {
	return int(e.active.Load())
}

// Wait blocks until every launched job has finished.
func (e *Engine) Wait() {
	e.jobs.Wait()
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Poll runs one scheduling tick: it launches up to the free capacity of due
// jobs, earliest first, without waiting for them.
func (e *Engine) Poll(ctx context.Context) {
	tick := e.ticks.Add(1)
	if tick%uint64(e.cfg.PruneEveryTicks) == 0 {
		e.prune(ctx)
	}

	available := e.cfg.MaxConcurrent - e.Active()
	if available <= 0 {
		e.log.Debug("scheduler at capacity, skipping tick", logger.Field{Key: "active", Value: e.Active()})
		return
	}

	// Running jobs are still due until they record their run, so fetch
	// enough rows to fill every free slot after skipping them.
	now := e.now().UTC()
	due, err := e.store.DueJobs(ctx, now, available+e.Active())
	if err != nil {
		e.metrics.pollError()
		e.log.Error("failed to fetch due jobs", err)
		return
	}

	for _, job := range due {
		if !job.IsDue(now) {
			continue
		}
		if !e.claim(job.ID) {
			e.log.Debug("job still running, skipping", logger.Field{Key: "job_id", Value: job.ID})
			continue
		}
		if !e.reserve() {
			e.unclaim(job.ID)
			break
		}
		e.launch(job)
	}
}

// claim marks a job as running. It fails when the job already is.
func (e *Engine) claim(id string) bool {
	_, loaded := e.running.LoadOrStore(id, struct{}{})
	return !loaded
}

func (e *Engine) unclaim(id string) {
	e.running.Delete(id)
}

// reserve takes one concurrency slot if one is free.
func (e *Engine) reserve() bool {
	for {
		n := e.active.Load()
		if int(n) >= e.cfg.MaxConcurrent {
			return false
		}
		if e.active.CompareAndSwap(n, n+1) {
			e.metrics.setActive(int(n + 1))
			return true
		}
	}
}

func (e *Engine) release() {
	n := e.active.Add(-1)
	e.metrics.setActive(int(n))
}

func (e *Engine) launch(job schedule.DueJob) {
	ctx := e.runContext()
	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()
		defer e.release()
		defer e.unclaim(job.ID)
		e.executeJob(ctx, job)
	}()
}

func (e *Engine) prune(ctx context.Context) {
	if e.notifier == nil {
		return
	}
	if _, err := e.notifier.PruneStaleDeliveries(ctx); err != nil {
		e.log.Warn("failed to prune webhook deliveries", logger.Field{Key: "error", Value: err.Error()})
	}
}

// TriggerJob runs a job now on behalf of its owner and waits for the
// outcome. The next run is recomputed as if the schedule had fired. A job
// whose previous run is still in flight is refused with ErrJobRunning.
func (e *Engine) TriggerJob(ctx context.Context, ownerID, jobID string) (RunResult, error) {
	job, err := e.store.GetDueJob(ctx, jobID)
	if err != nil {
		return RunResult{}, mapNotFound(err)
	}
	if job.OwnerID != ownerID {
		return RunResult{}, ErrJobNotFound
	}

	if !e.claim(job.ID) {
		return RunResult{}, ErrJobRunning
	}
	if !e.reserve() {
		e.unclaim(job.ID)
		return RunResult{}, ErrAtCapacity
	}
	e.jobs.Add(1)
	defer e.jobs.Done()
	defer e.release()
	defer e.unclaim(job.ID)

	return e.executeJob(ctx, job), nil
}
