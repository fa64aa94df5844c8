package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const heartbeatTimeout = time.Minute

// PipelineWorkflow runs one pipeline task as a single long activity.
//
// The orchestrator owns retries and self-healing, so the activity runs once.
// A lost worker is noticed through the heartbeat timeout. Cancelling the
// workflow cancels the run and waits for it to report CANCELLED.
func PipelineWorkflow(ctx workflow.Context, input PipelineInput) (*PipelineResult, error) {
	logger := workflow.GetLogger(ctx)

	if err := input.Validate(); err != nil {
		return nil, invalidInput(err)
	}
	logger.Info("Starting pipeline workflow", "goal", input.Goal, "timeout", input.runTimeout())

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: input.runTimeout(),
		HeartbeatTimeout:    heartbeatTimeout,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        1,
			NonRetryableErrorTypes: []string{ErrTypeInvalidInput},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	var result PipelineResult
	if err := workflow.ExecuteActivity(ctx, a.ExecutePipeline, input).Get(ctx, &result); err != nil {
		logger.Error("Pipeline activity failed", "error", err)
		return nil, NewWorkflowError("execute_pipeline", err, input.Goal)
	}

	logger.Info("Pipeline workflow complete",
		"run_id", result.RunID,
		"state", result.State,
		"healing_used", result.HealingUsed)
	return &result, nil
}
