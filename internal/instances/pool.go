// Package instances keeps one long-lived worker process per owner for
// scheduled work. Instances are started lazily, respawned when they die or
// their configuration moves, and evicted after a period of idleness.
package instances

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/scheduler"
)

const (
	DefaultInitTimeout    = 10 * time.Second
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultTerminateGrace = 500 * time.Millisecond
	DefaultSpawnRate      = 2.0
	DefaultSpawnBurst     = 4
	DefaultFailThreshold  = 3
	DefaultFailCooldown   = 5 * time.Minute
)

type Config struct {
	Binary    string
	Args      []string
	ConfigEnv string
	LogEnv    string
	LogLevel  string
	Env       []string

	InitTimeout    time.Duration
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	TerminateGrace time.Duration

	// SpawnRate limits process starts per second across all owners.
	SpawnRate  float64
	SpawnBurst int

	// FailThreshold consecutive failed starts open the owner's circuit
	// for FailCooldown.
	FailThreshold int
	FailCooldown  time.Duration

	ClientName    string
	ClientVersion string
}

func (c *Config) applyDefaults() {
	if c.ConfigEnv == "" {
		c.ConfigEnv = "SEO_WORKER_CONFIG"
	}
	if c.LogEnv == "" {
		c.LogEnv = "WORKER_LOG"
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.SpawnRate <= 0 {
		c.SpawnRate = DefaultSpawnRate
	}
	if c.SpawnBurst <= 0 {
		c.SpawnBurst = DefaultSpawnBurst
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = DefaultFailThreshold
	}
	if c.FailCooldown <= 0 {
		c.FailCooldown = DefaultFailCooldown
	}
	if c.ClientName == "" {
		c.ClientName = "seorunner"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
}

func (c *Config) env(configPath string) []string {
	env := make([]string, 0, 5+len(c.Env))
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		c.ConfigEnv+"="+configPath,
		c.LogEnv+"="+c.LogLevel,
	)
	return append(env, c.Env...)
}

// Pool owns the per-owner instances.
type Pool struct {
	cfg     Config
	log     *logger.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	instances map[string]*Instance
	onEvict   func(ownerID string)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, log *logger.Logger) (*Pool, error) {
	if cfg.Binary == "" {
		return nil, errors.New("worker binary is required")
	}
	cfg.applyDefaults()
	if log == nil {
		log = logger.Nop()
	}

	return &Pool{
		cfg:       cfg,
		log:       log.Component("instances"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.SpawnRate), cfg.SpawnBurst),
		instances: make(map[string]*Instance),
		stop:      make(chan struct{}),
	}, nil
}

// OnEvict registers fn to run after an owner's instance is dropped, for
// example to purge that owner's generated credentials.
func (p *Pool) OnEvict(fn func(ownerID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvict = fn
}

// GetInstance returns the owner's instance, replacing it when the config
// path changed. The process itself starts on EnsureReady.
func (p *Pool) GetInstance(ownerID, configPath string) (scheduler.WorkerHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.stop:
		return nil, ErrClosed
	default:
	}

	if in, ok := p.instances[ownerID]; ok {
		if in.configPath == configPath {
			in.touch()
			return in, nil
		}
		p.log.Info("worker config changed, replacing instance", logger.Field{Key: "owner_id", Value: ownerID})
		delete(p.instances, ownerID)
		go in.Close()
	}

	in := newInstance(ownerID, configPath, &p.cfg, p.log, p.limiter.Wait)
	p.instances[ownerID] = in
	return in, nil
}

// Invalidate drops the owner's instance so the next call starts fresh.
func (p *Pool) Invalidate(ownerID string) {
	p.mu.Lock()
	in, ok := p.instances[ownerID]
	if ok {
		delete(p.instances, ownerID)
	}
	p.mu.Unlock()

	if ok {
		in.Close()
	}
}

// Len is the number of tracked instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Start runs the idle sweeper until Stop or KillAll.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.EvictIdle(time.Now())
			case <-p.stop:
				return
			}
		}
	}()
}

// EvictIdle closes instances unused since before now minus the idle
// timeout. Instances with a call in flight are kept.
func (p *Pool) EvictIdle(now time.Time) int {
	cutoff := now.Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var idle []*Instance
	for owner, in := range p.instances {
		if in.Busy() || in.LastUsed().After(cutoff) {
			continue
		}
		idle = append(idle, in)
		delete(p.instances, owner)
	}
	onEvict := p.onEvict
	p.mu.Unlock()

	for _, in := range idle {
		in.Close()
		p.log.Info("idle worker instance evicted", logger.Field{Key: "owner_id", Value: in.ownerID})
		if onEvict != nil {
			onEvict(in.ownerID)
		}
	}
	return len(idle)
}

// KillAll stops the sweeper and terminates every instance.
func (p *Pool) KillAll() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	all := make([]*Instance, 0, len(p.instances))
	for owner, in := range p.instances {
		all = append(all, in)
		delete(p.instances, owner)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, in := range all {
		wg.Add(1)
		go func(in *Instance) {
			defer wg.Done()
			in.Close()
		}(in)
	}
	wg.Wait()

	if len(all) > 0 {
		p.log.Info("worker instances terminated", logger.Field{Key: "count", Value: len(all)})
	}
}

// Ping starts the owner's instance if needed and reports whether it
// completed the handshake.
func (p *Pool) Ping(ctx context.Context, ownerID, configPath string) error {
	h, err := p.GetInstance(ownerID, configPath)
	if err != nil {
		return err
	}
	return h.EnsureReady(ctx)
}
