package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/workflows"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker that executes pipeline workflows",
	Long: `Run a Temporal worker on the configured task queue. Each workflow runs
one task through the in-process orchestrator of this worker.

Examples:
  forgeline worker
  FORGELINE_TEMPORAL_HOST_PORT=temporal:7233 forgeline worker`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runWorker(cmd.Context(), cfg)
	},
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a, err := newApp(ctx, cfg, appOptions{consoleLogs: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	c, err := workflows.Dial(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()
	a.logger.Info(ctx, "temporal client connected",
		zap.String("host", cfg.Temporal.HostPort),
		zap.String("namespace", cfg.Temporal.Namespace))

	acts := workflows.NewActivities(a.orch, a.scrubber, a.logger)
	w := workflows.NewWorker(c, cfg.Temporal.TaskQueue, acts)
	if err := w.Start(); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	a.logger.Info(ctx, "worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))

	<-ctx.Done()
	a.logger.Info(ctx, "shutdown signal received")
	w.Stop()
	a.logger.Info(ctx, "worker stopped gracefully")
	return nil
}
