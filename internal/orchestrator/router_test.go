package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forgeline/internal/compiler"
	"github.com/fyrsmithlabs/forgeline/internal/gateway"
	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/retry"
)

type reply struct {
	status  pipeline.Status
	payload string
	err     error
}

// scriptedCapability answers each stage from a queue. The last reply of a
// queue repeats.
type scriptedCapability struct {
	mu       sync.Mutex
	script   map[pipeline.Stage][]reply
	requests []gateway.Request
}

func newScript(script map[pipeline.Stage][]reply) *scriptedCapability {
	return &scriptedCapability{script: script}
}

func (c *scriptedCapability) Invoke(_ context.Context, req gateway.Request) (pipeline.StageResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	q := c.script[req.Stage]
	if len(q) == 0 {
		return pipeline.StageResult{Status: pipeline.StatusError}, fmt.Errorf("no reply scripted for %s", req.Stage)
	}
	r := q[0]
	if len(q) > 1 {
		c.script[req.Stage] = q[1:]
	}
	return pipeline.StageResult{Status: r.status, Payload: r.payload}, r.err
}

func (c *scriptedCapability) calls(stage pipeline.Stage) []gateway.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []gateway.Request
	for _, r := range c.requests {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, EscalationThreshold: 2}
}

func TestRouter_Classify(t *testing.T) {
	task := pipeline.Task{Goal: "resize images"}

	for status, want := range map[pipeline.Status]pipeline.Mode{
		pipeline.StatusSolo: pipeline.ModeSolo,
		pipeline.StatusTeam: pipeline.ModeTeam,
	} {
		cap := newScript(map[pipeline.Stage][]reply{pipeline.StageRoute: {{status: status}}})
		mode, err := NewRouter(cap, testPolicy()).Classify(context.Background(), task)
		require.NoError(t, err)
		assert.Equal(t, want, mode)
	}
}

func TestRouter_ClassifyWithLessons(t *testing.T) {
	cap := newScript(map[pipeline.Stage][]reply{pipeline.StageRoute: {{status: pipeline.StatusTeam}}})
	lessons := []knowledge.Lesson{{RunID: "r1", Goal: "resize images", Mode: "SOLO", Outcome: "ABORTED", LastError: "PIL missing"}}

	mode, err := NewRouter(cap, testPolicy()).Classify(context.Background(), pipeline.Task{Goal: "resize images"}, WithLessons(lessons))
	require.NoError(t, err)
	assert.Equal(t, pipeline.ModeTeam, mode)

	calls := cap.calls(pipeline.StageRoute)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Input, "Lessons from earlier runs")
	assert.Contains(t, calls[0].Input, "PIL missing")
}

func TestRouter_NoDefaultMode(t *testing.T) {
	cap := newScript(map[pipeline.Stage][]reply{pipeline.StageRoute: {{status: "MAYBE"}}})
	_, err := NewRouter(cap, testPolicy()).Classify(context.Background(), pipeline.Task{Goal: "x"})

	var re *pipeline.RoutingError
	require.ErrorAs(t, err, &re)
	var ex *pipeline.StageExhausted
	assert.ErrorAs(t, err, &ex)
	assert.Len(t, cap.calls(pipeline.StageRoute), 3)
}

func TestRouter_RecoversAfterTransportError(t *testing.T) {
	cap := newScript(map[pipeline.Stage][]reply{pipeline.StageRoute: {
		{status: pipeline.StatusError, err: errors.New("connection reset")},
		{status: pipeline.StatusTeam},
	}})
	mode, err := NewRouter(cap, testPolicy()).Classify(context.Background(), pipeline.Task{Goal: "x"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ModeTeam, mode)
}

func TestRouter_CancelledContextIsNotRoutingError(t *testing.T) {
	cap := newScript(map[pipeline.Stage][]reply{pipeline.StageRoute: {{status: pipeline.StatusSolo}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRouter(cap, testPolicy()).Classify(ctx, pipeline.Task{Goal: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	var re *pipeline.RoutingError
	assert.False(t, errors.As(err, &re))
}

func TestQAPlanner_RetriesUndecodablePlan(t *testing.T) {
	cap := newScript(map[pipeline.Stage][]reply{pipeline.StageQA: {
		{status: pipeline.StatusQAReady, payload: "checks: ["},
		{status: pipeline.StatusQAReady, payload: "checks:\n  - name: prints\n    kind: exec\n    command: [$PYTHON, run.py]\n    expect_exit: 0\n"},
	}})
	env := compiler.EnvironmentDescriptor{Files: []string{"app/main.py", "run.py"}, Entry: []string{"run.py"}}

	plan, err := NewQAPlanner(cap, testPolicy()).PlanQA(context.Background(), pipeline.Task{Goal: "print a report"}, env)
	require.NoError(t, err)
	require.Len(t, plan.Checks, 1)
	assert.Equal(t, "prints", plan.Checks[0].Name)

	calls := cap.calls(pipeline.StageQA)
	require.Len(t, calls, 2)
	assert.Equal(t, pipeline.TierEscalated, calls[1].Tier)
	assert.Contains(t, calls[1].Input, "decode qa plan")
	assert.Contains(t, calls[0].Input, "app/main.py")
}

func TestQAPlanner_Exhausted(t *testing.T) {
	cap := newScript(map[pipeline.Stage][]reply{pipeline.StageQA: {{status: pipeline.StatusError}}})
	_, err := NewQAPlanner(cap, testPolicy()).PlanQA(context.Background(), pipeline.Task{Goal: "x"}, compiler.EnvironmentDescriptor{})
	var ex *pipeline.StageExhausted
	assert.ErrorAs(t, err, &ex)
}

func TestModuleImportPath(t *testing.T) {
	assert.Equal(t, "tools.csv_to_json", moduleImportPath("# filename: tools/csv_to_json.py\ndef execute(): ...", "anything"))
	assert.Equal(t, "generated.convert_csv_files_to_json", moduleImportPath("def execute(): ...", "Convert CSV files to JSON!"))
	assert.Equal(t, "generated.module", moduleImportPath("", "???"))
	long := moduleImportPath("", strings.Repeat("word ", 40))
	assert.LessOrEqual(t, len(long), len("generated.")+48)
	assert.False(t, strings.HasSuffix(long, "_"))
}

func TestPlanDependencies(t *testing.T) {
	plan := "Steps:\n1. read\nDependencies: requests, pyyaml>=6\n- dependencies: none\n"
	assert.Equal(t, []string{"requests", "pyyaml>=6"}, planDependencies(plan))
	assert.Nil(t, planDependencies("no deps here"))
}

func TestRender_SkipsEmptySections(t *testing.T) {
	out := render(section{"Goal", "do it"}, section{"Plan", "  "}, section{"Criteria", bullets([]string{"a", "b"})})
	assert.Equal(t, "## Goal\ndo it\n\n## Criteria\n- a\n- b", out)
	assert.Equal(t, "x", withFeedback("x", nil))
	assert.Contains(t, withFeedback("x", []string{"fix it"}), "## Feedback from previous attempts\n- fix it")
}
