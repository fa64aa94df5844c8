package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
)

const (
	defaultWaitTimeout = 10 * time.Minute
	maxWaitTimeout     = time.Hour
)

type submitInput struct {
	Goal               string   `json:"goal" jsonschema:"required,What the generated tool must do"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty" jsonschema:"Conditions the delivered module must satisfy"`
	Wait               bool     `json:"wait,omitempty" jsonschema:"Block until the run finishes or the timeout elapses"`
	TimeoutSeconds     int      `json:"timeout_seconds,omitempty" jsonschema:"Wait timeout in seconds (default: 600, max: 3600)"`
}

// runOutput is the client view of a run record.
type runOutput struct {
	RunID        string   `json:"run_id" jsonschema:"Run ID"`
	Mode         string   `json:"mode,omitempty" jsonschema:"SOLO or TEAM once routed"`
	State        string   `json:"state" jsonschema:"Current pipeline state"`
	Outcome      string   `json:"outcome,omitempty" jsonschema:"Terminal outcome, empty while running"`
	Error        string   `json:"error,omitempty" jsonschema:"Terminal error, scrubbed"`
	HealingUsed  int      `json:"healing_used" jsonschema:"Self-healing cycles consumed"`
	Path         []string `json:"path" jsonschema:"States visited in order"`
	ArtifactPath string   `json:"artifact_path,omitempty" jsonschema:"Directory of the delivered module"`
	ArchiveURL   string   `json:"archive_url,omitempty" jsonschema:"Object store location of the archived module"`
	UpdatedAt    string   `json:"updated_at,omitempty" jsonschema:"Last update, RFC 3339"`
}

type runIDInput struct {
	RunID string `json:"run_id" jsonschema:"required,Run ID returned by pipeline_submit"`
}

type cancelOutput struct {
	RunID     string `json:"run_id" jsonschema:"Run ID"`
	Cancelled bool   `json:"cancelled" jsonschema:"True when the cancel request was accepted"`
}

type traceEventOutput struct {
	Seq       int64  `json:"seq" jsonschema:"Event sequence number"`
	Stage     string `json:"stage" jsonschema:"Pipeline state the event belongs to"`
	Phase     string `json:"phase" jsonschema:"start, complete or error"`
	Timestamp string `json:"timestamp" jsonschema:"Event time, RFC 3339"`
	Summary   string `json:"summary,omitempty" jsonschema:"Event summary, scrubbed"`
}

type traceOutput struct {
	RunID  string             `json:"run_id" jsonschema:"Run ID"`
	Events []traceEventOutput `json:"events" jsonschema:"Trace events in sequence order"`
	Count  int                `json:"count" jsonschema:"Number of events returned"`
}

// registerTools registers the pipeline tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_submit",
		Description: "Submit a tool-generation task to the pipeline. Returns the run ID, or the finished run when wait is set",
	}, s.handleSubmit)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_status",
		Description: "Get the current state of a pipeline run",
	}, s.handleStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_cancel",
		Description: "Cancel a running pipeline. Stops any live verification process",
	}, s.handleCancel)

	if s.trace != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "pipeline_trace",
			Description: "List the trace events of a pipeline run",
		}, s.handleTrace)
	}
}

func (s *Server) instrument(ctx context.Context, tool string) func(*error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(errp *error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), *errp)
	}
}

func (s *Server) handleSubmit(ctx context.Context, req *mcp.CallToolRequest, args submitInput) (_ *mcp.CallToolResult, _ runOutput, toolErr error) {
	defer s.instrument(ctx, "pipeline_submit")(&toolErr)

	task := pipeline.Task{Goal: args.Goal, AcceptanceCriteria: args.AcceptanceCriteria}
	if err := task.Validate(); err != nil {
		return nil, runOutput{}, fmt.Errorf("invalid task: %w", err)
	}
	if args.TimeoutSeconds < 0 {
		return nil, runOutput{}, fmt.Errorf("invalid timeout_seconds: must not be negative")
	}

	id, err := s.runs.Submit(ctx, task)
	if err != nil {
		return nil, runOutput{}, fmt.Errorf("submit failed: %w", err)
	}
	s.logger.Info(ctx, "run submitted via mcp", zap.String("run_id", id), zap.Bool("wait", args.Wait))

	if args.Wait {
		timeout := waitTimeout(args.TimeoutSeconds)
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := s.runs.Wait(waitCtx, id)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// run keeps going; report where it is
			s.logger.Debug(ctx, "wait timed out", zap.String("run_id", id), zap.Duration("timeout", timeout))
		case err != nil:
			return nil, runOutput{}, fmt.Errorf("wait failed: %w", err)
		}
	}

	run, err := s.runs.Status(ctx, id)
	if err != nil {
		return nil, runOutput{}, fmt.Errorf("status failed: %w", err)
	}
	out := s.toRunOutput(run)

	text := fmt.Sprintf("Run %s submitted (%s)", id, out.State)
	if args.Wait {
		text = summarize(out)
	}
	return textResult(text), out, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest, args runIDInput) (_ *mcp.CallToolResult, _ runOutput, toolErr error) {
	defer s.instrument(ctx, "pipeline_status")(&toolErr)

	if strings.TrimSpace(args.RunID) == "" {
		return nil, runOutput{}, fmt.Errorf("run_id is required")
	}
	run, err := s.runs.Status(ctx, args.RunID)
	if err != nil {
		return nil, runOutput{}, fmt.Errorf("status of %s: %w", args.RunID, err)
	}
	out := s.toRunOutput(run)
	return textResult(summarize(out)), out, nil
}

func (s *Server) handleCancel(ctx context.Context, req *mcp.CallToolRequest, args runIDInput) (_ *mcp.CallToolResult, _ cancelOutput, toolErr error) {
	defer s.instrument(ctx, "pipeline_cancel")(&toolErr)

	if strings.TrimSpace(args.RunID) == "" {
		return nil, cancelOutput{}, fmt.Errorf("run_id is required")
	}
	if err := s.runs.Cancel(args.RunID); err != nil {
		return nil, cancelOutput{}, fmt.Errorf("cancel %s: %w", args.RunID, err)
	}
	s.logger.Info(ctx, "run cancel requested via mcp", zap.String("run_id", args.RunID))
	return textResult(fmt.Sprintf("Cancel requested for run %s", args.RunID)),
		cancelOutput{RunID: args.RunID, Cancelled: true}, nil
}

func (s *Server) handleTrace(ctx context.Context, req *mcp.CallToolRequest, args runIDInput) (_ *mcp.CallToolResult, _ traceOutput, toolErr error) {
	defer s.instrument(ctx, "pipeline_trace")(&toolErr)

	if strings.TrimSpace(args.RunID) == "" {
		return nil, traceOutput{}, fmt.Errorf("run_id is required")
	}
	if _, err := s.runs.Status(ctx, args.RunID); err != nil {
		return nil, traceOutput{}, fmt.Errorf("trace of %s: %w", args.RunID, err)
	}
	evs, err := s.trace.Events(ctx, args.RunID)
	if err != nil {
		return nil, traceOutput{}, fmt.Errorf("trace of %s: %w", args.RunID, err)
	}

	out := traceOutput{RunID: args.RunID, Events: make([]traceEventOutput, 0, len(evs))}
	var b strings.Builder
	for _, ev := range evs {
		e := traceEventOutput{
			Seq:       ev.Seq,
			Stage:     ev.Stage,
			Phase:     string(ev.Phase),
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
			Summary:   s.scrubber.Scrub(ev.Summary),
		}
		out.Events = append(out.Events, e)
		fmt.Fprintf(&b, "%d %s %s", e.Seq, e.Stage, e.Phase)
		if e.Summary != "" {
			fmt.Fprintf(&b, ": %s", e.Summary)
		}
		b.WriteByte('\n')
	}
	out.Count = len(out.Events)
	if out.Count == 0 {
		b.WriteString("no events recorded")
	}
	return textResult(strings.TrimRight(b.String(), "\n")), out, nil
}

func (s *Server) toRunOutput(run runstore.Run) runOutput {
	out := runOutput{
		RunID:        run.ID,
		Mode:         run.Mode,
		State:        run.State,
		Outcome:      run.Outcome,
		Error:        s.scrubber.Scrub(run.Error),
		HealingUsed:  run.HealingUsed,
		Path:         run.Path,
		ArtifactPath: run.ArtifactPath,
		ArchiveURL:   run.ArchiveURL,
	}
	if out.Path == nil {
		out.Path = []string{}
	}
	if !run.UpdatedAt.IsZero() {
		out.UpdatedAt = run.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func summarize(out runOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s", out.RunID, out.State)
	if out.Mode != "" {
		fmt.Fprintf(&b, " [%s]", out.Mode)
	}
	if len(out.Path) > 0 {
		fmt.Fprintf(&b, "\npath: %s", strings.Join(out.Path, " -> "))
	}
	if out.HealingUsed > 0 {
		fmt.Fprintf(&b, "\nhealing cycles: %d", out.HealingUsed)
	}
	if out.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", out.Error)
	}
	if out.ArtifactPath != "" {
		fmt.Fprintf(&b, "\nartifact: %s", out.ArtifactPath)
	}
	if out.ArchiveURL != "" {
		fmt.Fprintf(&b, "\narchive: %s", out.ArchiveURL)
	}
	return b.String()
}

func waitTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultWaitTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d > maxWaitTimeout {
		return maxWaitTimeout
	}
	return d
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

var _ Runs = (*orchestrator.Orchestrator)(nil)
