package mcp

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
)

type fakeRuns struct {
	mu        sync.Mutex
	runs      map[string]runstore.Run
	done      map[string]chan struct{}
	submitted []pipeline.Task
	cancelled []string
	// finish marks a submitted run DELIVERED right away
	finish bool
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]runstore.Run{}, done: map[string]chan struct{}{}}
}

func (f *fakeRuns) Submit(ctx context.Context, task pipeline.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, task)
	id := "run-" + string(rune('a'+len(f.submitted)-1))
	run := runstore.Run{ID: id, Goal: task.Goal, State: "ROUTING", Path: []string{"ROUTING"}, UpdatedAt: time.Now()}
	ch := make(chan struct{})
	if f.finish {
		run.State, run.Outcome, run.Mode = "DELIVERED", "DELIVERED", "SOLO"
		run.Path = []string{"ROUTING", "ASSEMBLING", "VERIFYING", "DELIVERED"}
		run.ArtifactPath = "/tmp/forgeline/" + id
		close(ch)
	}
	f.runs[id] = run
	f.done[id] = ch
	return id, nil
}

func (f *fakeRuns) Wait(ctx context.Context, id string) (*orchestrator.Result, error) {
	f.mu.Lock()
	ch, ok := f.done[id]
	f.mu.Unlock()
	if !ok {
		return nil, orchestrator.ErrRunNotFound
	}
	select {
	case <-ch:
		return &orchestrator.Result{RunID: id, State: orchestrator.StateDelivered}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRuns) Status(ctx context.Context, id string) (runstore.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return runstore.Run{}, orchestrator.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeRuns) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[id]; !ok {
		return orchestrator.ErrRunNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeRuns) put(run runstore.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
}

type fakeTrace map[string][]events.TraceEvent

func (f fakeTrace) Events(ctx context.Context, id string) ([]events.TraceEvent, error) {
	return f[id], nil
}

type replaceScrubber struct{}

func (replaceScrubber) Scrub(text string) string {
	return strings.ReplaceAll(text, "sk-live-1234", "[REDACTED]")
}

func newTestServer(t *testing.T, runs Runs, trace Trace) *Server {
	t.Helper()
	s, err := NewServer(&Config{Name: "forgeline-test", Version: "test", Logger: logging.NewNop()}, runs, trace, replaceScrubber{})
	require.NoError(t, err)
	return s
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil, nil, replaceScrubber{})
	assert.Error(t, err)

	_, err = NewServer(nil, newFakeRuns(), nil, nil)
	assert.Error(t, err)

	s, err := NewServer(nil, newFakeRuns(), nil, replaceScrubber{})
	require.NoError(t, err)
	assert.NotNil(t, s.metrics)
}

func TestSubmit_ReturnsRunID(t *testing.T) {
	runs := newFakeRuns()
	s := newTestServer(t, runs, nil)

	res, out, err := s.handleSubmit(context.Background(), nil, submitInput{
		Goal:               "report disk usage",
		AcceptanceCriteria: []string{"prints a table"},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-a", out.RunID)
	assert.Equal(t, "ROUTING", out.State)
	assert.Empty(t, out.Outcome)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "run-a")

	require.Len(t, runs.submitted, 1)
	assert.Equal(t, []string{"prints a table"}, runs.submitted[0].AcceptanceCriteria)
}

func TestSubmit_RejectsInvalidTask(t *testing.T) {
	runs := newFakeRuns()
	s := newTestServer(t, runs, nil)

	_, _, err := s.handleSubmit(context.Background(), nil, submitInput{Goal: "   "})
	require.Error(t, err)
	assert.Equal(t, "validation_error", categorizeError(err))
	assert.Empty(t, runs.submitted)

	_, _, err = s.handleSubmit(context.Background(), nil, submitInput{Goal: "x", TimeoutSeconds: -1})
	assert.Error(t, err)
}

func TestSubmit_WaitReturnsFinishedRun(t *testing.T) {
	runs := newFakeRuns()
	runs.finish = true
	s := newTestServer(t, runs, nil)

	res, out, err := s.handleSubmit(context.Background(), nil, submitInput{Goal: "report disk usage", Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "DELIVERED", out.State)
	assert.Equal(t, "DELIVERED", out.Outcome)
	assert.Equal(t, "/tmp/forgeline/run-a", out.ArtifactPath)

	text := res.Content[0].(*mcp.TextContent).Text
	assert.Contains(t, text, "ROUTING -> ASSEMBLING -> VERIFYING -> DELIVERED")
	assert.Contains(t, text, "artifact: /tmp/forgeline/run-a")
}

func TestSubmit_WaitTimeoutReportsRunningState(t *testing.T) {
	runs := newFakeRuns()
	s := newTestServer(t, runs, nil)

	_, out, err := s.handleSubmit(context.Background(), nil, submitInput{Goal: "slow", Wait: true, TimeoutSeconds: 1})
	require.NoError(t, err)
	assert.Equal(t, "ROUTING", out.State)
	assert.Empty(t, out.Outcome)
}

func TestStatus_ScrubsError(t *testing.T) {
	runs := newFakeRuns()
	runs.put(runstore.Run{
		ID:          "run-x",
		State:       "ABORTED",
		Outcome:     "ABORTED",
		Error:       "stage exhausted: GENERATING: token sk-live-1234 rejected",
		HealingUsed: 1,
		Path:        []string{"ROUTING", "ABORTED"},
	})
	s := newTestServer(t, runs, nil)

	res, out, err := s.handleStatus(context.Background(), nil, runIDInput{RunID: "run-x"})
	require.NoError(t, err)
	assert.NotContains(t, out.Error, "sk-live-1234")
	assert.Contains(t, out.Error, "[REDACTED]")
	assert.Equal(t, 1, out.HealingUsed)

	text := res.Content[0].(*mcp.TextContent).Text
	assert.NotContains(t, text, "sk-live-1234")
	assert.Contains(t, text, "healing cycles: 1")
}

func TestStatus_Errors(t *testing.T) {
	s := newTestServer(t, newFakeRuns(), nil)

	_, _, err := s.handleStatus(context.Background(), nil, runIDInput{})
	assert.Error(t, err)

	_, _, err = s.handleStatus(context.Background(), nil, runIDInput{RunID: "nope"})
	require.ErrorIs(t, err, orchestrator.ErrRunNotFound)
	assert.Equal(t, "not_found", categorizeError(err))
}

func TestCancel(t *testing.T) {
	runs := newFakeRuns()
	runs.put(runstore.Run{ID: "run-x", State: "VERIFYING"})
	s := newTestServer(t, runs, nil)

	_, out, err := s.handleCancel(context.Background(), nil, runIDInput{RunID: "run-x"})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Equal(t, []string{"run-x"}, runs.cancelled)

	_, _, err = s.handleCancel(context.Background(), nil, runIDInput{RunID: "nope"})
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)
}

func TestTrace_ScrubsSummaries(t *testing.T) {
	runs := newFakeRuns()
	runs.put(runstore.Run{ID: "run-x", State: "DELIVERED", Outcome: "DELIVERED"})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trace := fakeTrace{"run-x": {
		{RunID: "run-x", Seq: 1, Stage: "ROUTING", Phase: events.PhaseStart, Timestamp: ts},
		{RunID: "run-x", Seq: 2, Stage: "ROUTING", Phase: events.PhaseError, Timestamp: ts, Summary: "auth sk-live-1234"},
	}}
	s := newTestServer(t, runs, trace)

	res, out, err := s.handleTrace(context.Background(), nil, runIDInput{RunID: "run-x"})
	require.NoError(t, err)
	require.Equal(t, 2, out.Count)
	assert.Equal(t, "auth [REDACTED]", out.Events[1].Summary)
	assert.Equal(t, "2026-03-01T12:00:00Z", out.Events[0].Timestamp)
	assert.NotContains(t, res.Content[0].(*mcp.TextContent).Text, "sk-live-1234")

	_, _, err = s.handleTrace(context.Background(), nil, runIDInput{RunID: "nope"})
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)
}

func TestWaitTimeout(t *testing.T) {
	assert.Equal(t, defaultWaitTimeout, waitTimeout(0))
	assert.Equal(t, 30*time.Second, waitTimeout(30))
	assert.Equal(t, maxWaitTimeout, waitTimeout(100000))
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "", categorizeError(nil))
	assert.Equal(t, "unavailable", categorizeError(orchestrator.ErrClosed))
	assert.Equal(t, "timeout", categorizeError(context.DeadlineExceeded))
	assert.Equal(t, "cancelled", categorizeError(context.Canceled))
	assert.Equal(t, "internal_error", categorizeError(assert.AnError))
}

func connectClient(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, serverT)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestRoundTrip_ListsAndCallsTools(t *testing.T) {
	runs := newFakeRuns()
	runs.finish = true
	s := newTestServer(t, runs, fakeTrace{})
	cs := connectClient(t, s)
	ctx := context.Background()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"pipeline_submit", "pipeline_status", "pipeline_cancel", "pipeline_trace"}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "pipeline_submit",
		Arguments: map[string]any{"goal": "report disk usage", "wait": true},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "DELIVERED")

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "pipeline_status",
		Arguments: map[string]any{"run_id": "missing"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRoundTrip_NoTraceTool(t *testing.T) {
	s := newTestServer(t, newFakeRuns(), nil)
	cs := connectClient(t, s)

	tools, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	for _, tool := range tools.Tools {
		assert.NotEqual(t, "pipeline_trace", tool.Name)
	}
}
