package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the forgeline HTTP API",
	Long: `Start the HTTP API. Runs are submitted with POST /api/v1/runs and
executed in the background; trace events stream over a websocket.

Examples:
  # Start with the default config
  forgeline serve

  # Override the port through the environment
  FORGELINE_SERVER_HTTP_PORT=8080 forgeline serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

// serve runs the API until ctx is cancelled, then drains in-flight runs.
func serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a, err := newApp(ctx, cfg, appOptions{consoleLogs: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	srv, err := http.NewServer(a.orch, a.store, a.broadcaster, a.logger.Named("http"), &http.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Version:      version,
		StreamBuffer: cfg.Events.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	a.logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s/health", cfg.Server.Addr())),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	a.logger.Info(shutdownCtx, "server shutdown complete",
		zap.Int("cancelled_runs", len(a.orch.Active())))
	return nil
}
