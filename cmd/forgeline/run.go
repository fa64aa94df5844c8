package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
	"github.com/fyrsmithlabs/forgeline/internal/tui"
	"github.com/fyrsmithlabs/forgeline/internal/workflows"
)

var (
	runCriteria []string
	runPlain    bool
	runTemporal bool
	runTimeout  time.Duration
)

// errNotDelivered makes the process exit non-zero for ABORTED and
// CANCELLED runs.
var errNotDelivered = errors.New("run not delivered")

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Run one task in the foreground",
	Long: `Run one task to a terminal state and show its trace as it happens.

Pressing q or ctrl+c cancels the run. The exit status is non-zero unless
the run is DELIVERED.

Examples:
  # Live view
  forgeline run "CLI that prints the ten largest files under a directory"

  # With acceptance criteria and plain output
  forgeline run --plain -c "accepts a path argument" -c "prints sizes in MB" \
    "CLI that prints the largest files under a directory"

  # Hand the task to a Temporal worker
  forgeline run --temporal "CLI that converts CSV to JSON"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runCriteria, "criteria", "c", nil, "acceptance criterion (repeatable)")
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "print trace lines instead of the live view")
	runCmd.Flags().BoolVar(&runTemporal, "temporal", false, "execute through a Temporal worker")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall run timeout (0 for none)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	task := pipeline.Task{Goal: args[0], AcceptanceCriteria: runCriteria}
	if err := task.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	if runTemporal {
		return runWorkflow(ctx, cmd.OutOrStdout(), cfg, task)
	}

	live := !runPlain && isatty.IsTerminal(os.Stdout.Fd())
	a, err := newApp(ctx, cfg, appOptions{consoleLogs: !live})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	// Subscribe before submitting so the first events are not missed.
	source, unsubscribe := a.broadcaster.Subscribe(events.AllRuns, cfg.Events.BufferSize)
	defer unsubscribe()

	id, err := a.orch.Submit(ctx, task)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	done := make(chan tui.Outcome, 1)
	go func() {
		done <- awaitOutcome(a.orch, id)
	}()
	stop := context.AfterFunc(ctx, func() { _ = a.orch.Cancel(id) })
	defer stop()

	var out tui.Outcome
	if live {
		out, err = runLive(ctx, a, id, task, source, done)
	} else {
		out = runPlainTrace(cmd.OutOrStdout(), id, source, done)
	}
	if err != nil {
		return err
	}
	if out.Run.Outcome != string(orchestrator.StateDelivered) {
		return fmt.Errorf("%w: %s", errNotDelivered, out.Run.State)
	}
	return nil
}

// awaitOutcome blocks until the run is terminal. Wait never times out
// here; cancellation goes through the orchestrator.
func awaitOutcome(orch *orchestrator.Orchestrator, id string) tui.Outcome {
	res, err := orch.Wait(context.Background(), id)
	if err != nil {
		return tui.Outcome{Run: runstore.Run{ID: id}, Err: err}
	}
	rec, err := orch.Status(context.Background(), id)
	if err != nil {
		rec = runstore.Run{ID: id, State: string(res.State), Outcome: res.State.Outcome()}
	}
	return tui.Outcome{Run: rec, Err: res.Err}
}

func runLive(ctx context.Context, a *app, id string, task pipeline.Task, source <-chan events.TraceEvent, done <-chan tui.Outcome) (tui.Outcome, error) {
	model := tui.NewModel(tui.Options{
		RunID:         id,
		Goal:          task.Goal,
		HealingBudget: a.cfg.Pipeline.HealingBudget,
	}, source, done)

	final, err := tea.NewProgram(model, tea.WithContext(ctx)).Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return tui.Outcome{}, fmt.Errorf("live view: %w", err)
	}
	if m, ok := final.(tui.Model); ok && m.Outcome() != nil {
		return *m.Outcome(), nil
	}

	// Interrupted: cancel and wait for the run to settle.
	_ = a.orch.Cancel(id)
	out := <-done
	fmt.Fprintln(os.Stderr, tui.RenderTrace(out.Run, mustEvents(a, id), a.cfg.Pipeline.HealingBudget))
	return out, nil
}

func mustEvents(a *app, id string) []events.TraceEvent {
	evs, err := a.store.Events(context.Background(), id)
	if err != nil {
		return nil
	}
	return evs
}

// runPlainTrace prints one line per trace event of the run until it ends.
func runPlainTrace(w io.Writer, id string, source <-chan events.TraceEvent, done <-chan tui.Outcome) tui.Outcome {
	for {
		select {
		case ev, ok := <-source:
			if !ok {
				source = nil
				continue
			}
			if ev.RunID == id {
				printEvent(w, ev)
			}
		case out := <-done:
			for drained := false; !drained && source != nil; {
				select {
				case ev, ok := <-source:
					if !ok {
						drained = true
					} else if ev.RunID == id {
						printEvent(w, ev)
					}
				default:
					drained = true
				}
			}
			printOutcome(w, out)
			return out
		}
	}
}

func printEvent(w io.Writer, ev events.TraceEvent) {
	line := fmt.Sprintf("%s  %-13s %-8s", ev.Timestamp.Format("15:04:05.000"), ev.Stage, ev.Phase)
	if ev.Summary != "" {
		line += "  " + ev.Summary
	}
	fmt.Fprintln(w, line)
}

func printOutcome(w io.Writer, out tui.Outcome) {
	fmt.Fprintf(w, "\nrun %s: %s\n", out.Run.ID, out.Run.State)
	if out.Run.Mode != "" {
		fmt.Fprintf(w, "mode:     %s\n", out.Run.Mode)
	}
	fmt.Fprintf(w, "healing:  %d\n", out.Run.HealingUsed)
	if out.Run.ArtifactPath != "" {
		fmt.Fprintf(w, "artifact: %s\n", out.Run.ArtifactPath)
	}
	if out.Run.ArchiveURL != "" {
		fmt.Fprintf(w, "archive:  %s\n", out.Run.ArchiveURL)
	}
	if out.Err != nil {
		fmt.Fprintf(w, "error:    %v\n", out.Err)
	}
}

// runWorkflow starts the pipeline workflow and waits for its result.
func runWorkflow(ctx context.Context, w io.Writer, cfg *config.Config, task pipeline.Task) error {
	c, err := workflows.Dial(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	wr, err := workflows.Start(ctx, c, cfg.Temporal.TaskQueue, workflows.PipelineInput{
		Goal:               task.Goal,
		AcceptanceCriteria: task.AcceptanceCriteria,
		Timeout:            runTimeout,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "workflow %s started (run %s)\n", wr.GetID(), wr.GetRunID())

	var res workflows.PipelineResult
	if err := wr.Get(ctx, &res); err != nil {
		if ctx.Err() != nil {
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = c.CancelWorkflow(cctx, wr.GetID(), wr.GetRunID())
		}
		return fmt.Errorf("workflow %s: %w", wr.GetID(), err)
	}

	printOutcome(w, tui.Outcome{Run: runstore.Run{
		ID:           res.RunID,
		Mode:         res.Mode,
		State:        res.State,
		HealingUsed:  res.HealingUsed,
		ArtifactPath: res.ArtifactPath,
		ArchiveURL:   res.ArchiveURL,
	}})
	if res.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", res.Error)
	}
	if !res.Delivered() {
		return fmt.Errorf("%w: %s", errNotDelivered, res.State)
	}
	return nil
}
