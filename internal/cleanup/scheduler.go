package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aatumaykin/seorunner/internal/logger"
)

// Scheduler manages periodic cleanup runs.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	logger   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a new cleanup scheduler.
func NewScheduler(runner *Runner, interval time.Duration, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   log.Component("cleanup"),
	}
}

// Start runs one cleanup immediately, then every interval until Stop or
// ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.logger.Info("cleanup scheduler started",
		logger.Field{Key: "interval", Value: s.interval.String()})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runCleanup()
		for {
			select {
			case <-ticker.C:
				s.runCleanup()
			case <-ctx.Done():
				s.logger.Info("cleanup scheduler stopped")
				return
			}
		}
	}()
}

// Stop stops the cleanup scheduler and waits for an in-progress run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Trigger runs cleanup immediately (manual trigger).
func (s *Scheduler) Trigger() (Stats, error) {
	return s.runner.Run(time.Now(), s.logger)
}

func (s *Scheduler) runCleanup() {
	stats, err := s.runner.Run(time.Now(), s.logger)
	if err != nil {
		s.logger.Error("cleanup failed", err)
		return
	}

	if stats.FilesRemoved > 0 {
		s.logger.Warn(fmt.Sprintf("cleanup completed: removed %d orphaned credential artifacts", stats.FilesRemoved),
			logger.Field{Key: "files_removed", Value: stats.FilesRemoved},
			logger.Field{Key: "bytes_freed", Value: stats.BytesFreed},
			logger.Field{Key: "duration_ms", Value: stats.Duration.Milliseconds()})
	} else {
		s.logger.Debug("cleanup completed: no orphaned artifacts")
	}
}
