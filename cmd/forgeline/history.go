package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
	"github.com/fyrsmithlabs/forgeline/internal/tui"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs",
	Long: `List recent runs from the local run store, newest first.

Examples:
  forgeline history
  forgeline history --limit 5 --json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var traceCmd = &cobra.Command{
	Use:   "trace <run-id>",
	Short: "Show the stored trace of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrace,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run on a running server",
	Long: `Cancel a run executing inside forgeline serve.

Examples:
  forgeline cancel 6f1c2a9e-6c43-4f5e-9a0e-1f4b2c3d4e5f
  forgeline cancel --server http://10.0.0.5:9191 <run-id>`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
}

func openStore() (*config.Config, *runstore.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := runstore.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return cfg, store, nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if historyLimit < 1 {
		return fmt.Errorf("limit must be positive")
	}
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs")
		return nil
	}
	fmt.Fprintln(out, historyTable(runs))
	return nil
}

func historyTable(runs []runstore.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.CreatedAt.Local().Format(time.DateTime),
			r.Mode,
			r.State,
			strconv.Itoa(r.HealingUsed),
			shorten(r.Goal, 48),
		})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		Headers("RUN", "CREATED", "MODE", "STATE", "HEALS", "GOAL").
		Rows(rows...).
		String()
}

func shorten(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func runTrace(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	evs, err := store.Events(ctx, run.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tui.RenderTrace(run, evs, cfg.Pipeline.HealingBudget))
	return nil
}

// cancelResponse matches internal/http CancelResponse
type cancelResponse struct {
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
}

func runCancel(cmd *cobra.Command, args []string) error {
	url := strings.TrimRight(serverURL, "/") + "/api/v1/runs/" + args[0]
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("run %s not found", args[0])
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var cr cancelResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for run %s\n", cr.RunID)
	return nil
}
