package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/secrets"
)

// Runner executes a task to a terminal state.
type Runner interface {
	Run(ctx context.Context, task pipeline.Task) (*orchestrator.Result, error)
}

// Activities holds the collaborators of pipeline activities. Register the
// pointer with a worker; workflows reference methods on a nil *Activities.
type Activities struct {
	runner    Runner
	scrubber  secrets.Scrubber
	logger    *logging.Logger
	heartbeat time.Duration
}

// NewActivities creates pipeline activities. scrubber and logger may be nil.
func NewActivities(runner Runner, scrubber secrets.Scrubber, logger *logging.Logger) *Activities {
	if scrubber == nil {
		scrubber = secrets.Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Activities{
		runner:    runner,
		scrubber:  scrubber,
		logger:    logger.Named("workflows"),
		heartbeat: heartbeatTimeout / 4,
	}
}

// ExecutePipeline runs the task in-process. Runs that end ABORTED or
// CANCELLED are results, not activity errors.
func (a *Activities) ExecutePipeline(ctx context.Context, input PipelineInput) (*PipelineResult, error) {
	if err := input.Validate(); err != nil {
		recordActivityError(ctx, "execute_pipeline")
		return nil, invalidInput(err)
	}
	if a.runner == nil {
		recordActivityError(ctx, "execute_pipeline")
		return nil, fmt.Errorf("pipeline runner not configured")
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go a.heartbeatLoop(hbCtx)

	start := time.Now()
	task := pipeline.Task{Goal: input.Goal, AcceptanceCriteria: input.AcceptanceCriteria}
	res, err := a.runner.Run(ctx, task)
	if res == nil {
		recordActivityError(ctx, "execute_pipeline")
		if err == nil {
			err = fmt.Errorf("runner returned no result")
		}
		return nil, fmt.Errorf("execute pipeline: %w", err)
	}

	out := a.toResult(res)
	recordExecution(ctx, out.State, time.Since(start))
	a.logger.Info(ctx, "pipeline activity finished",
		zap.String("run_id", out.RunID),
		zap.String("state", out.State),
		zap.Duration("duration", time.Since(start)))

	if res.State == orchestrator.StateCancelled && ctx.Err() != nil {
		// surface workflow cancellation to Temporal
		return out, temporal.NewCanceledError(out.RunID)
	}
	return out, nil
}

func (a *Activities) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity.RecordHeartbeat(ctx)
		}
	}
}

func (a *Activities) toResult(res *orchestrator.Result) *PipelineResult {
	out := &PipelineResult{
		RunID:       res.RunID,
		Mode:        string(res.Mode),
		State:       string(res.State),
		Path:        make([]string, len(res.Path)),
		HealingUsed: res.HealingUsed,
		ArchiveURL:  res.ArchiveURL,
	}
	for i, s := range res.Path {
		out.Path[i] = string(s)
	}
	if res.Err != nil {
		out.Error = a.scrubber.Scrub(res.Err.Error())
	}
	if res.Environment != nil {
		out.ArtifactPath = res.Environment.Root
		out.Revision = res.Environment.Revision
	}
	return out
}
