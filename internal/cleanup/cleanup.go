// Package cleanup removes credential artifacts that outlived the worker
// run that wrote them. Runs clean up after themselves on every exit path,
// so leftovers appear only when the service process itself died mid-call.
package cleanup

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/aatumaykin/seorunner/internal/logger"
)

// Patterns match the files written for one worker run.
var Patterns = []string{
	"seorunner-*-credentials.json",
	"seorunner-*-config.yaml",
}

// Stats holds statistics about one cleanup run.
type Stats struct {
	FilesRemoved int
	BytesFreed   int64
	Duration     time.Duration
}

// Config holds configuration for cleanup operations.
type Config struct {
	// Dir is the directory ephemeral artifacts are written to.
	Dir string
	// MaxAge must exceed the longest possible worker run.
	MaxAge time.Duration
}

// Runner removes stale artifacts from one directory.
type Runner struct {
	config Config
}

// NewRunner creates a new cleanup runner.
func NewRunner(config Config) *Runner {
	return &Runner{config: config}
}

// Run deletes artifacts last modified before now - MaxAge.
func (r *Runner) Run(now time.Time, log *logger.Logger) (Stats, error) {
	start := time.Now()
	stats := Stats{}

	if _, err := os.Stat(r.config.Dir); errors.Is(err, os.ErrNotExist) {
		return stats, nil
	}

	cutoff := now.Add(-r.config.MaxAge)
	for _, pattern := range Patterns {
		matches, err := filepath.Glob(filepath.Join(r.config.Dir, pattern))
		if err != nil {
			return stats, err
		}

		for _, path := range matches {
			info, err := os.Lstat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}

			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				if log != nil {
					log.Warn("failed to remove stale artifact",
						logger.Field{Key: "path", Value: path},
						logger.Field{Key: "error", Value: err.Error()})
				}
				continue
			}
			stats.FilesRemoved++
			stats.BytesFreed += info.Size()
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}
