package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/forgeline/internal/compiler"
	"github.com/fyrsmithlabs/forgeline/internal/embeddings"
	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/process"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
	"github.com/fyrsmithlabs/forgeline/internal/stitcher"
	"github.com/fyrsmithlabs/forgeline/internal/telemetry"
	"github.com/fyrsmithlabs/forgeline/internal/verifier"
)

const composedSpec = "```\n<<<LOGIC>>>\ndef execute():\n    print(\"ready\")\n<<<TAGS>>>\nsafe_call\ntimed\n```"

const generatedSource = "# filename: tools/report.py\ndef execute():\n    print(\"ready\")\n"

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, task pipeline.Task, env compiler.EnvironmentDescriptor) (verifier.VerificationReport, error) {
	args := m.Called(ctx, task, env)
	return args.Get(0).(verifier.VerificationReport), args.Error(1)
}

func passed() verifier.VerificationReport {
	return verifier.VerificationReport{
		Smoke:      verifier.SmokeResult{Passed: true, Outcome: verifier.SmokeReady},
		Functional: &verifier.FunctionalResult{Passed: true},
		Passed:     true,
	}
}

func crashed() (verifier.VerificationReport, error) {
	return verifier.VerificationReport{
			Smoke:      verifier.SmokeResult{Outcome: verifier.SmokeFailed, ExitCode: 1, Stderr: "Traceback: NameError"},
			FailureLog: []string{"smoke: exit status 1: Traceback: NameError"},
		},
		&pipeline.RuntimeStartError{ExitCode: 1, Stderr: "Traceback: NameError"}
}

type harness struct {
	o      *Orchestrator
	cap    *scriptedCapability
	ver    *MockVerifier
	sink   *events.MemorySink
	logger *logging.TestLogger
}

func testConfig() Config {
	return Config{
		Policy:            testPolicy(),
		HealingBudget:     1,
		MaxConcurrentRuns: 4,
		StopTimeout:       time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, script map[pipeline.Stage][]reply, mutate ...func(*Deps)) *harness {
	t.Helper()
	builder, err := compiler.NewBuilder(compiler.Config{WorkspaceRoot: t.TempDir()}, nil)
	require.NoError(t, err)

	h := &harness{
		cap:    newScript(script),
		ver:    &MockVerifier{},
		sink:   events.NewMemorySink(),
		logger: logging.NewTestLogger(),
	}
	deps := Deps{
		Capability: h.cap,
		Builder:    builder,
		Verifier:   h.ver,
		Publisher:  events.NewPublisher(h.logger.Logger, h.sink),
		Logger:     h.logger.Logger,
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.o, err = New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.o.Close() })
	return h
}

func newKnowledge(t *testing.T) *knowledge.Store {
	t.Helper()
	backend, err := knowledge.NewChromemBackend("", embeddings.NewHashEmbedder(128), nil)
	require.NoError(t, err)
	kb := knowledge.New(backend, knowledge.Config{SufficientScore: 0.1}, nil)
	t.Cleanup(func() { _ = kb.Close() })
	return kb
}

func stagesSeen(evs []events.TraceEvent) map[string]int {
	seen := make(map[string]int)
	for _, ev := range evs {
		seen[ev.Stage]++
	}
	return seen
}

// assertSerialTrace checks that a run's events form one contiguous block per
// visited state, in path order, with no attempt of one state emitted inside
// another state's block.
func assertSerialTrace(t *testing.T, evs []events.TraceEvent, path []State) {
	t.Helper()
	require.NotEmpty(t, evs)

	var blocks []State
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq, "event %d is out of sequence", i)
		state := State(ev.Stage)
		if ev.Phase == events.PhaseStart || state.Terminal() {
			blocks = append(blocks, state)
			continue
		}
		require.NotEmpty(t, blocks, "event %d precedes any start", i)
		assert.Equal(t, blocks[len(blocks)-1], state,
			"event %d (%s %s) interleaves with the %s block", i, ev.Stage, ev.Phase, blocks[len(blocks)-1])
	}
	assert.Equal(t, path, blocks)
	assert.True(t, State(evs[len(evs)-1].Stage).Terminal(), "last event is not terminal")
}

func TestScenarioA_SoloWithKnownModule(t *testing.T) {
	kb := newKnowledge(t)
	_, err := kb.Upsert(context.Background(), knowledge.ModuleDescriptor{
		ImportPath: "tools.csv_to_json",
		Summary:    "convert csv files to json documents",
		Source:     "def execute(path): ...",
	})
	require.NoError(t, err)

	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:   {{status: pipeline.StatusSolo}},
		pipeline.StageCompose: {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	}, func(d *Deps) { d.Knowledge = kb })
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(passed(), nil).Once()

	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "convert csv files to json"})
	require.NoError(t, err)

	assert.Equal(t, StateDelivered, res.State)
	assert.Equal(t, []State{StateRouting, StateAssembling, StateVerifying, StateDelivered}, res.Path)
	assert.Equal(t, pipeline.ModeSolo, res.Mode)
	require.NotNil(t, res.Environment)
	assert.DirExists(t, res.Environment.Root)
	require.NotNil(t, res.Report)
	assert.True(t, res.Report.Passed)

	seen := stagesSeen(h.sink.ForRun(res.RunID))
	assert.Zero(t, seen[string(StatePlanning)])
	assert.Zero(t, seen[string(StateGenerating)])
	assert.NotZero(t, seen[string(StateAssembling)])

	compose := h.cap.calls(pipeline.StageCompose)
	require.Len(t, compose, 1)
	assert.Contains(t, compose[0].Input, "tools.csv_to_json")
	assert.Empty(t, h.cap.calls(pipeline.StagePlan))
	assert.Empty(t, h.cap.calls(pipeline.StageGenerate))
	h.ver.AssertExpectations(t)
}

func TestScenarioB_TeamEscalatesGeneration(t *testing.T) {
	kb := newKnowledge(t)
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute: {{status: pipeline.StatusTeam}},
		pipeline.StagePlan:  {{status: pipeline.StatusPlanCreated, payload: "1. write report\nDependencies: requests"}},
		pipeline.StageGenerate: {
			{status: pipeline.StatusTestsFailed, payload: "assert 1 == 2"},
			{status: pipeline.StatusTestsFailed, payload: "assert 1 == 2"},
			{status: pipeline.StatusTestsPassed, payload: generatedSource},
		},
		pipeline.StageReview:  {{status: pipeline.StatusApproved}},
		pipeline.StageCompose: {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	}, func(d *Deps) { d.Knowledge = kb })
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(passed(), nil).Once()

	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "write a weekly report", AcceptanceCriteria: []string{"prints ready"}})
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateRouting, StatePlanning, StateGenerating, StateReviewing,
		StateAssembling, StateVerifying, StateDelivered,
	}, res.Path)

	var gens []pipeline.StageResult
	for _, r := range res.Results {
		if r.Stage == pipeline.StageGenerate {
			gens = append(gens, r)
		}
	}
	require.Len(t, gens, 3)
	assert.Equal(t, pipeline.TierStandard, gens[0].Tier)
	assert.Equal(t, pipeline.TierStandard, gens[1].Tier)
	assert.Equal(t, pipeline.TierEscalated, gens[2].Tier)
	assert.Equal(t, []int{1, 2, 3}, []int{gens[0].Attempt, gens[1].Attempt, gens[2].Attempt})
	assert.Equal(t, pipeline.StatusTestsFailed, gens[0].Status)

	// the failed status is fed back to the retry
	calls := h.cap.calls(pipeline.StageGenerate)
	assert.Contains(t, calls[1].Input, "TESTS_FAILED")
	assert.Contains(t, calls[0].Input, "write report")

	// approval indexed the module under its declared filename
	found, err := kb.Query(context.Background(), "weekly report", 3)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "tools.report", found[0].Module.ImportPath)
	assert.Equal(t, res.RunID, found[0].Module.RunID)

	require.NotNil(t, res.Environment)
	var dists []string
	for _, d := range res.Environment.Dependencies {
		dists = append(dists, d.Distribution)
	}
	assert.Contains(t, dists, "requests")
	assertSerialTrace(t, h.sink.ForRun(res.RunID), res.Path)
}

func TestScenarioC_HealingBudgetExhausted(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:    {{status: pipeline.StatusTeam}},
		pipeline.StagePlan:     {{status: pipeline.StatusPlanCreated, payload: "plan"}},
		pipeline.StageGenerate: {{status: pipeline.StatusTestsPassed, payload: generatedSource}},
		pipeline.StageReview:   {{status: pipeline.StatusApproved}},
		pipeline.StageCompose:  {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	})
	report, verr := crashed()
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(report, verr).Twice()

	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "serve a report"})
	require.Error(t, err)

	var hb *pipeline.HealingBudgetExhausted
	require.ErrorAs(t, err, &hb)
	assert.Equal(t, 1, hb.Budget)
	var rse *pipeline.RuntimeStartError
	assert.ErrorAs(t, err, &rse)

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 1, res.HealingUsed)
	heals := 0
	for _, s := range res.Path {
		if s == StateSelfHealing {
			heals++
		}
	}
	assert.Equal(t, 1, heals)
	assert.Equal(t, []State{
		StateRouting, StatePlanning, StateGenerating, StateReviewing, StateAssembling, StateVerifying,
		StateSelfHealing, StateGenerating, StateReviewing, StateAssembling, StateVerifying, StateAborted,
	}, res.Path)

	gens := h.cap.calls(pipeline.StageGenerate)
	require.Len(t, gens, 2)
	assert.NotContains(t, gens[0].Input, "NameError")
	assert.Contains(t, gens[1].Input, "Traceback: NameError")
	assert.Contains(t, res.LastDiagnostic(), "healing budget")
	h.ver.AssertExpectations(t)
	assertSerialTrace(t, h.sink.ForRun(res.RunID), res.Path)
}

func TestFailedRunWorkspaceIsRemoved(t *testing.T) {
	for _, keep := range []bool{false, true} {
		t.Run(fmt.Sprintf("keep=%v", keep), func(t *testing.T) {
			builder, err := compiler.NewBuilder(compiler.Config{WorkspaceRoot: t.TempDir()}, nil)
			require.NoError(t, err)
			cfg := testConfig()
			cfg.HealingBudget = 0
			cfg.KeepFailedWorkspaces = keep
			h := newHarness(t, cfg, map[pipeline.Stage][]reply{
				pipeline.StageRoute:   {{status: pipeline.StatusSolo}},
				pipeline.StageCompose: {{status: pipeline.StatusSpecReady, payload: composedSpec}},
			}, func(d *Deps) { d.Builder = builder })
			report, verr := crashed()
			h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(report, verr).Once()

			res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "crash on start"})
			require.Error(t, err)
			assert.Equal(t, StateAborted, res.State)

			if keep {
				require.NotNil(t, res.Environment)
				assert.DirExists(t, builder.Dir(res.RunID))
				return
			}
			assert.Nil(t, res.Environment)
			assert.NoDirExists(t, builder.Dir(res.RunID))
		})
	}
}

func TestHealingRecoversOnSecondVerification(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:    {{status: pipeline.StatusSolo}},
		pipeline.StageGenerate: {{status: pipeline.StatusTestsPassed, payload: generatedSource}},
		pipeline.StageReview:   {{status: pipeline.StatusApproved}},
		pipeline.StageCompose:  {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	})
	report, verr := crashed()
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(report, verr).Once()
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(passed(), nil).Once()

	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "print ready"})
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, res.State)
	assert.Equal(t, []State{
		StateRouting, StateAssembling, StateVerifying, StateSelfHealing,
		StateGenerating, StateReviewing, StateAssembling, StateVerifying, StateDelivered,
	}, res.Path)

	gens := h.cap.calls(pipeline.StageGenerate)
	require.Len(t, gens, 1)
	assert.Contains(t, gens[0].Input, "Previous source")
	assert.Contains(t, gens[0].Input, "@safe_call\n@timed\ndef execute():")
	assert.Contains(t, gens[0].Input, "Traceback: NameError")
}

func TestRecordLesson_SnippetStaysValidUTF8(t *testing.T) {
	kb := newKnowledge(t)
	h := newHarness(t, testConfig(), nil, func(d *Deps) { d.Knowledge = kb })

	run := newPipelineRun("run-utf8", pipeline.Task{Goal: "greet in french"}, time.Now())
	run.Mode = pipeline.ModeSolo
	run.State = StateDelivered
	run.stitched = strings.Repeat("a", lessonSnippetLen-1) + "é = 'café'\n"

	h.o.recordLesson(context.Background(), run)

	lessons, err := kb.RecallLessons(context.Background(), "greet in french", 1)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.True(t, utf8.ValidString(lessons[0].Snippet), "snippet %q", lessons[0].Snippet)
	assert.Equal(t, lessonSnippetLen-1, len(lessons[0].Snippet))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 5))
	assert.Equal(t, "ab", clip("abé", 3))
	assert.Equal(t, "abé", clip("abéz", 4))
	assert.Equal(t, "", clip("é", 1))
}

func TestReviewRejectedAborts(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:    {{status: pipeline.StatusTeam}},
		pipeline.StagePlan:     {{status: pipeline.StatusPlanCreated, payload: "plan"}},
		pipeline.StageGenerate: {{status: pipeline.StatusTestsPassed, payload: generatedSource}},
		pipeline.StageReview:   {{status: pipeline.StatusRejected}},
	})

	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "x"})
	var se *pipeline.UnexpectedStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, pipeline.StatusRejected, se.Status)
	assert.Equal(t, StateAborted, res.State)
	assert.Len(t, h.cap.calls(pipeline.StageReview), 1)
	assert.Empty(t, h.cap.calls(pipeline.StageCompose))
	h.ver.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func TestRoutingFailureAborts(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute: {{status: "BOTH"}},
	})
	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "x"})

	var re *pipeline.RoutingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []State{StateRouting, StateAborted}, res.Path)
	assert.Empty(t, res.Mode)
	assert.Equal(t, 3, res.Count(pipeline.StageRoute))
	assert.Empty(t, h.cap.calls(pipeline.StagePlan))
}

func TestGenerationExhaustedAborts(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:    {{status: pipeline.StatusTeam}},
		pipeline.StagePlan:     {{status: pipeline.StatusPlanCreated}},
		pipeline.StageGenerate: {{status: pipeline.StatusTestsFailed}},
	})
	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "x"})

	var ex *pipeline.StageExhausted
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, pipeline.StageGenerate, ex.Stage)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 3, res.Count(pipeline.StageGenerate))
	assert.NotEmpty(t, res.LastDiagnostic())
}

func TestToolsSufficientSkipsGeneration(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:   {{status: pipeline.StatusTeam}},
		pipeline.StagePlan:    {{status: pipeline.StatusToolsSufficient}},
		pipeline.StageCompose: {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	})
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(passed(), nil)

	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "x"})
	require.NoError(t, err)
	assert.Equal(t, []State{StateRouting, StatePlanning, StateAssembling, StateVerifying, StateDelivered}, res.Path)
}

func TestStructuralComposeFailureEscalates(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute: {{status: pipeline.StatusSolo}},
		pipeline.StageCompose: {
			{status: pipeline.StatusSpecReady, payload: "def execute(): pass"},
			{status: pipeline.StatusSpecReady, payload: composedSpec},
		},
	})
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(passed(), nil)

	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "x"})
	require.NoError(t, err)

	compose := h.cap.calls(pipeline.StageCompose)
	require.Len(t, compose, 2)
	assert.Equal(t, pipeline.TierEscalated, compose[1].Tier)
	assert.Contains(t, compose[1].Input, "parse error")

	require.Equal(t, 2, res.Count(pipeline.StageCompose))
	first := res.Results[len(res.Results)-2]
	assert.Equal(t, pipeline.StatusError, first.Status)
	assert.Contains(t, first.Diagnostic, "parse error")
}

func TestCancelStopsLiveProcessOnce(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:   {{status: pipeline.StatusSolo}},
		pipeline.StageCompose: {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	})
	stops := &countingStopper{}
	started := make(chan struct{})
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			h.o.track(ctx, stops)
			close(started)
			<-ctx.Done()
		}).
		Return(verifier.VerificationReport{}, context.Canceled).Once()

	id, err := h.o.Submit(context.Background(), pipeline.Task{Goal: "serve forever"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("verification never started")
	}
	require.NoError(t, h.o.Cancel(id))
	require.NoError(t, h.o.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.o.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, int32(1), stops.calls.Load())
	assert.Equal(t, StateCancelled, res.State)
	assert.NotContains(t, res.Path, StateDelivered)
	var ce *pipeline.CancelledError
	require.ErrorAs(t, res.Err, &ce)
	assert.Equal(t, string(StateVerifying), ce.State)

	evs := h.sink.ForRun(id)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, string(StateCancelled), last.Stage)
	assert.Equal(t, events.PhaseError, last.Phase)

	// terminal runs ignore further cancels
	assert.NoError(t, h.o.Cancel(id))
	assert.Equal(t, int32(1), stops.calls.Load())
	assert.ErrorIs(t, h.o.Cancel("nope"), ErrRunNotFound)
}

type countingStopper struct {
	calls atomic.Int32
}

func (c *countingStopper) Stop(context.Context) error {
	c.calls.Add(1)
	return nil
}

func TestRunContextCancellation(t *testing.T) {
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute: {{status: pipeline.StatusSolo}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.o.Run(ctx, pipeline.Task{Goal: "x"})
	var ce *pipeline.CancelledError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StateCancelled, res.State)
	assert.Empty(t, h.cap.calls(pipeline.StageCompose))
}

func TestTrackingRunnerStopsProcessOnCancel(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ar, err := h.o.start(pipeline.Task{Goal: "x"})
	require.NoError(t, err)
	defer h.o.finish(ar)

	runner := h.o.TrackingRunner(process.NewRunner(process.Config{StopGrace: 200 * time.Millisecond}, nil))
	ctx := logging.WithRunID(context.Background(), ar.run.ID)
	proc, err := runner.Start(ctx, process.Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)

	require.NoError(t, h.o.Cancel(ar.run.ID))
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not stopped")
	}
}

func TestRunIsPersisted(t *testing.T) {
	store, err := runstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:   {{status: pipeline.StatusSolo}},
		pipeline.StageCompose: {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	}, func(d *Deps) {
		d.Store = store
		d.Publisher = events.NewPublisher(nil, store)
	})
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(passed(), nil)

	res, err := h.o.Run(context.Background(), pipeline.Task{Goal: "persist me"})
	require.NoError(t, err)

	ctx := context.Background()
	rec, err := store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "DELIVERED", rec.Outcome)
	assert.Equal(t, "SOLO", rec.Mode)
	assert.Equal(t, []string{"ROUTING", "ASSEMBLING", "VERIFYING", "DELIVERED"}, rec.Path)
	assert.Equal(t, res.Environment.Root, rec.ArtifactPath)

	results, err := store.Results(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, results, len(res.Results))

	evs, err := store.Events(ctx, res.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}
	assert.Equal(t, "DELIVERED", evs[len(evs)-1].Stage)

	status, err := h.o.Status(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, status.Terminal())
}

func TestLessonsAreRecordedAndRecalled(t *testing.T) {
	kb := newKnowledge(t)
	cfg := testConfig()
	cfg.LessonRecall = 3
	h := newHarness(t, cfg, map[pipeline.Stage][]reply{
		pipeline.StageRoute: {{status: "UNSURE"}, {status: "UNSURE"}, {status: "UNSURE"}, {status: pipeline.StatusSolo}},
		pipeline.StageCompose: {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	}, func(d *Deps) { d.Knowledge = kb })
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(passed(), nil)

	task := pipeline.Task{Goal: "summarize server logs"}
	first, err := h.o.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, StateAborted, first.State)

	second, err := h.o.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, second.State)

	routes := h.cap.calls(pipeline.StageRoute)
	assert.NotContains(t, routes[0].Input, "Lessons from earlier runs")
	assert.Contains(t, routes[len(routes)-1].Input, "ended ABORTED")

	lessons, err := kb.RecallLessons(context.Background(), task.Goal, 5)
	require.NoError(t, err)
	assert.Len(t, lessons, 2)
}

type replaceScrubber struct{ secret string }

func (r replaceScrubber) Scrub(s string) string { return strings.ReplaceAll(s, r.secret, "[REDACTED]") }

func TestDiagnosticsAreScrubbed(t *testing.T) {
	const secret = "sk-live-0123456789"
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute: {{status: pipeline.StatusError, err: errors.New("auth failed for key " + secret)}},
	}, func(d *Deps) { d.Scrubber = replaceScrubber{secret: secret} })

	res, _ := h.o.Run(context.Background(), pipeline.Task{Goal: "x"})
	for _, r := range res.Results {
		assert.NotContains(t, r.Diagnostic, secret)
	}
	for _, ev := range h.sink.ForRun(res.RunID) {
		assert.NotContains(t, ev.Summary, secret)
	}
	assert.Contains(t, res.Results[0].Diagnostic, "[REDACTED]")
	h.logger.AssertLogged(t, zapcore.InfoLevel, "run finished")
	for _, e := range h.logger.FilterMessage("run finished").All() {
		assert.NotContains(t, e.ContextMap()["error"], secret)
	}
}

func TestStagesOpenSpans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	h := newHarness(t, testConfig(), map[pipeline.Stage][]reply{
		pipeline.StageRoute:   {{status: pipeline.StatusSolo}},
		pipeline.StageCompose: {{status: pipeline.StatusSpecReady, payload: composedSpec}},
	})
	h.o.WithTracer(tel.Tracer("test"))
	h.ver.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(passed(), nil)

	_, err := h.o.Run(context.Background(), pipeline.Task{Goal: "x"})
	require.NoError(t, err)

	tel.AssertSpanExists(t, "orchestrator.run")
	tel.AssertSpanExists(t, "orchestrator.routing")
	tel.AssertSpanExists(t, "orchestrator.assembling")
	tel.AssertSpanAttribute(t, "orchestrator.verifying", "next", "DELIVERED")
	tel.AssertSpanAttribute(t, "orchestrator.run", "run.outcome", "DELIVERED")
}

func TestSubmitValidatesTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.o.Submit(context.Background(), pipeline.Task{Goal: "  "})
	assert.Error(t, err)

	require.NoError(t, h.o.Close())
	_, err = h.o.Submit(context.Background(), pipeline.Task{Goal: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Policy.MaxAttempts = 0
	_, err = New(cfg, Deps{Capability: newScript(nil), Builder: stubBuilder{}, Verifier: &MockVerifier{}})
	assert.Error(t, err)
}

type stubBuilder struct{}

func (stubBuilder) Build(context.Context, string, stitcher.StitchedArtifact, []string) (compiler.EnvironmentDescriptor, error) {
	return compiler.EnvironmentDescriptor{}, nil
}

func (stubBuilder) Remove(string) error { return nil }
