package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/forgeline/internal/config"
)

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// NewWorker creates a worker on taskQueue with the pipeline workflow and
// activities registered. The caller runs it.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(PipelineWorkflow, workflow.RegisterOptions{Name: PipelineWorkflowName})
	w.RegisterActivity(acts)
	return w
}

// Start begins a pipeline workflow and returns its handle.
func Start(ctx context.Context, c client.Client, taskQueue string, input PipelineInput) (client.WorkflowRun, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	options := client.StartWorkflowOptions{
		ID:        "forgeline-pipeline-" + uuid.NewString(),
		TaskQueue: taskQueue,
		// room for the run plus scheduling
		WorkflowExecutionTimeout: input.runTimeout() + 5*time.Minute,
	}
	run, err := c.ExecuteWorkflow(ctx, options, PipelineWorkflowName, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}
	return run, nil
}
