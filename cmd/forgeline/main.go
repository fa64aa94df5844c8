// Forgeline builds small Python projects from a goal through an agent
// pipeline: route, plan, generate, review, assemble, verify and heal.
//
// Usage:
//
//	# Start the HTTP API
//	forgeline serve
//
//	# Run one task in the foreground with a live trace
//	forgeline run "print the ten largest files under a directory"
//
//	# Inspect stored runs
//	forgeline history
//	forgeline trace <run-id>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides ~/.config/forgeline/config.yaml
	configPath string
	// serverURL is the base URL of a running forgeline serve
	serverURL string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forgeline",
	Short: "Agent pipeline that turns a goal into a verified Python project",
	Long: `forgeline routes a goal to a single agent or a team, plans modules,
generates and reviews code, assembles a project, verifies it in a real
process and heals failures within a bounded budget.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/forgeline/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9191", "forgeline server URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "forgeline by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
