package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/seorunner/internal/app"
	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/proc"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the seorunner service",
		Long: `Start seorunner with the specified configuration.
This opens the database, starts the schedule engine (when enabled),
the idle-worker sweeper and the metrics endpoint, and shuts everything
down gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *globalOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	log.Info("Starting seorunner",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "git_commit", Value: GitCommit},
		logger.Field{Key: "config", Value: opts.configPath},
		logger.Field{Key: "scheduler", Value: cfg.Scheduler.Enabled},
	)

	if err := proc.WritePID(cfg.Runtime.PIDDir, os.Getpid()); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer func() {
		if err := proc.RemovePID(cfg.Runtime.PIDDir); err != nil {
			log.Warn("failed to remove pid file", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.New(cfg, log).Run(ctx)
}
