package workflows

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/forgeline/internal/compiler"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

type fakeRunner struct {
	mu     sync.Mutex
	tasks  []pipeline.Task
	result *orchestrator.Result
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, task pipeline.Task) (*orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return f.result, f.err
}

type replaceScrubber struct{}

func (replaceScrubber) Scrub(text string) string {
	return strings.ReplaceAll(text, "sk-live-1234", "[REDACTED]")
}

func deliveredResult() *orchestrator.Result {
	return &orchestrator.Result{
		RunID: "run-1",
		Mode:  pipeline.ModeSolo,
		State: orchestrator.StateDelivered,
		Path: []orchestrator.State{
			orchestrator.StateRouting, orchestrator.StateAssembling,
			orchestrator.StateVerifying, orchestrator.StateDelivered,
		},
		Environment: &compiler.EnvironmentDescriptor{Root: "/work/run-1", Revision: "abc123"},
		ArchiveURL:  "s3://forgeline-artifacts/runs/run-1.tar.gz",
	}
}

func abortedResult() *orchestrator.Result {
	err := errors.New("stage exhausted: GENERATING: key sk-live-1234 rejected")
	return &orchestrator.Result{
		RunID:       "run-2",
		Mode:        pipeline.ModeTeam,
		State:       orchestrator.StateAborted,
		Path:        []orchestrator.State{orchestrator.StateRouting, orchestrator.StateAborted},
		HealingUsed: 1,
		Err:         err,
	}
}

func TestPipelineWorkflow(t *testing.T) {
	t.Run("returns delivered run", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		runner := &fakeRunner{result: deliveredResult()}
		env.RegisterWorkflow(PipelineWorkflow)
		env.RegisterActivity(NewActivities(runner, replaceScrubber{}, nil))

		env.ExecuteWorkflow(PipelineWorkflow, PipelineInput{
			Goal:               "report disk usage",
			AcceptanceCriteria: []string{"prints a table"},
		})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result PipelineResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Delivered())
		assert.Equal(t, "run-1", result.RunID)
		assert.Equal(t, "SOLO", result.Mode)
		assert.Equal(t, []string{"ROUTING", "ASSEMBLING", "VERIFYING", "DELIVERED"}, result.Path)
		assert.Equal(t, "/work/run-1", result.ArtifactPath)
		assert.Equal(t, "abc123", result.Revision)
		assert.Equal(t, "s3://forgeline-artifacts/runs/run-1.tar.gz", result.ArchiveURL)

		require.Len(t, runner.tasks, 1)
		assert.Equal(t, "report disk usage", runner.tasks[0].Goal)
		assert.Equal(t, []string{"prints a table"}, runner.tasks[0].AcceptanceCriteria)
	})

	t.Run("aborted run is a result", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		runner := &fakeRunner{result: abortedResult(), err: abortedResult().Err}
		env.RegisterWorkflow(PipelineWorkflow)
		env.RegisterActivity(NewActivities(runner, replaceScrubber{}, nil))

		env.ExecuteWorkflow(PipelineWorkflow, PipelineInput{Goal: "report disk usage"})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result PipelineResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.False(t, result.Delivered())
		assert.Equal(t, "ABORTED", result.State)
		assert.Equal(t, 1, result.HealingUsed)
		assert.Contains(t, result.Error, "[REDACTED]")
		assert.NotContains(t, result.Error, "sk-live-1234")
	})

	t.Run("rejects empty goal without running", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		runner := &fakeRunner{result: deliveredResult()}
		env.RegisterWorkflow(PipelineWorkflow)
		env.RegisterActivity(NewActivities(runner, nil, nil))

		env.ExecuteWorkflow(PipelineWorkflow, PipelineInput{Goal: "  "})

		require.True(t, env.IsWorkflowCompleted())
		err := env.GetWorkflowError()
		require.Error(t, err)
		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, ErrTypeInvalidInput, appErr.Type())
		assert.Empty(t, runner.tasks)
	})

	t.Run("activity failure fails the workflow", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		var a *Activities
		env.RegisterWorkflow(PipelineWorkflow)
		env.RegisterActivity(NewActivities(&fakeRunner{}, nil, nil))
		env.OnActivity(a.ExecutePipeline, mock.Anything, mock.Anything).
			Return(nil, errors.New("worker lost")).Once()

		env.ExecuteWorkflow(PipelineWorkflow, PipelineInput{Goal: "report disk usage"})

		require.True(t, env.IsWorkflowCompleted())
		err := env.GetWorkflowError()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "execute_pipeline failed")
		env.AssertExpectations(t)
	})
}

func TestExecutePipelineActivity(t *testing.T) {
	t.Run("maps orchestrator result", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()

		acts := NewActivities(&fakeRunner{result: deliveredResult()}, nil, nil)
		env.RegisterActivity(acts)

		val, err := env.ExecuteActivity(acts.ExecutePipeline, PipelineInput{Goal: "report disk usage"})
		require.NoError(t, err)

		var result PipelineResult
		require.NoError(t, val.Get(&result))
		assert.Equal(t, "DELIVERED", result.State)
		assert.Empty(t, result.Error)
	})

	t.Run("runner without result errors", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()

		acts := NewActivities(&fakeRunner{err: orchestrator.ErrClosed}, nil, nil)
		env.RegisterActivity(acts)

		_, err := env.ExecuteActivity(acts.ExecutePipeline, PipelineInput{Goal: "report disk usage"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "execute pipeline")
	})

	t.Run("missing runner errors", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()

		acts := NewActivities(nil, nil, nil)
		env.RegisterActivity(acts)

		_, err := env.ExecuteActivity(acts.ExecutePipeline, PipelineInput{Goal: "report disk usage"})
		assert.Error(t, err)
	})
}

func TestPipelineInputValidate(t *testing.T) {
	tests := []struct {
		name    string
		input   PipelineInput
		wantErr bool
	}{
		{"valid", PipelineInput{Goal: "x"}, false},
		{"empty goal", PipelineInput{}, true},
		{"negative timeout", PipelineInput{Goal: "x", Timeout: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	in := PipelineInput{Goal: "x"}
	assert.Equal(t, defaultRunTimeout, in.runTimeout())
}

func TestWorkflowError(t *testing.T) {
	base := errors.New("boom")
	err := NewWorkflowError("execute_pipeline", base, "report")
	assert.Equal(t, "execute_pipeline failed: boom (report)", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "execute_pipeline failed: boom", NewWorkflowError("execute_pipeline", base, "").Error())
}
