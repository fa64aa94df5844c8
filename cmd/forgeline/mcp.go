package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forgeline/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve pipeline tools over MCP on stdio",
	Long: `Serve pipeline_submit, pipeline_status, pipeline_cancel and
pipeline_trace to an MCP client over stdin/stdout. Logs go to stderr.

Example client configuration:
  {"command": "forgeline", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, appOptions{consoleLogs: true})
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		srv, err := mcp.NewServer(&mcp.Config{
			Name:    "forgeline",
			Version: version,
			Logger:  a.logger.Named("mcp"),
		}, a.orch, a.store, a.scrubber)
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		return srv.Run(ctx)
	},
}
