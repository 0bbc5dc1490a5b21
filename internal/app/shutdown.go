package app

import (
	"context"
	"time"
)

const metricsShutdownTimeout = 5 * time.Second

// Shutdown performs graceful shutdown of all components.
// It stops the application in the following order:
//  1. Stops the schedule engine, letting running jobs finish
//  2. Terminates every per-owner worker instance
//  3. Stops the artifact cleanup and the metrics endpoint
//  4. Cancels the application context
//  5. Closes the database
//
// The method is thread-safe and idempotent.
func (a *App) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return nil
	}

	if a.scheduler != nil && a.scheduler.IsStarted() {
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Failed to stop scheduler", err)
		}
	}

	if a.instances != nil {
		a.instances.KillAll()
	}

	if a.cleanup != nil {
		a.cleanup.Stop()
	}

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("Failed to stop metrics server", err)
		}
		cancel()
		a.metricsServer = nil
	}

	a.cancel()

	err := a.closeStore()

	a.started = false
	a.initialized = false
	a.logger.Info("Application shutdown complete")
	return err
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	if err != nil {
		a.logger.Error("Failed to close storage", err)
	}
	a.store = nil
	return err
}
