package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/retry"
	"github.com/fyrsmithlabs/forgeline/internal/stitcher"
)

// stageStates names the state each capability stage runs in.
var stageStates = map[pipeline.Stage]State{
	pipeline.StageRoute:    StateRouting,
	pipeline.StagePlan:     StatePlanning,
	pipeline.StageGenerate: StateGenerating,
	pipeline.StageReview:   StateReviewing,
	pipeline.StageCompose:  StateAssembling,
}

// step runs one state and names the next one. A non-nil error is the
// cause carried into ABORTED or SELF_HEALING.
type step func(ctx context.Context, run *PipelineRun) (State, error)

func (o *Orchestrator) steps() map[State]step {
	return map[State]step{
		StateRouting:     o.route,
		StatePlanning:    o.plan,
		StateGenerating:  o.generate,
		StateReviewing:   o.review,
		StateAssembling:  o.assemble,
		StateVerifying:   o.verify,
		StateSelfHealing: o.heal,
	}
}

func (o *Orchestrator) execute(ar *activeRun) {
	defer o.finish(ar)
	run := ar.run
	ctx := logging.WithRunID(ar.ctx, run.ID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(attribute.String("run.id", run.ID)))
	defer span.End()

	o.persist(ctx, run)
	o.emit(ctx, run.ID, StateRouting, events.PhaseStart, "run accepted: "+run.Task.Goal)
	o.logger.Info(ctx, "run started", zap.String("goal", run.Task.Goal))

	var final State
	var err error
	if acqErr := o.sem.Acquire(ctx, 1); acqErr != nil {
		final, err = StateCancelled, &pipeline.CancelledError{RunID: run.ID, State: string(StateRouting)}
	} else {
		final, err = o.drive(ctx, ar)
		o.sem.Release(1)
	}

	o.conclude(ctx, ar, final, err)
	span.SetAttributes(attribute.String("run.outcome", string(final)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(final))
	}
}

// drive moves the run until a step names a terminal state.
func (o *Orchestrator) drive(ctx context.Context, ar *activeRun) (State, error) {
	run := ar.run
	o.recallLessons(ctx, run)
	steps := o.steps()
	for {
		state := run.current()
		if ctx.Err() != nil {
			return StateCancelled, &pipeline.CancelledError{RunID: run.ID, State: string(state)}
		}

		next, err := o.runStep(ctx, run, state, steps[state])
		if ctx.Err() != nil {
			return StateCancelled, &pipeline.CancelledError{RunID: run.ID, State: string(state)}
		}
		if next.Terminal() {
			return next, err
		}
		if tErr := o.transition(ctx, run, next, summarize(next, err)); tErr != nil {
			o.logger.Error(ctx, "invalid transition", zap.Error(tErr))
			return StateAborted, tErr
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, run *PipelineRun, state State, fn step) (State, error) {
	ctx = logging.WithStage(ctx, string(state))
	ctx, span := o.tracer.Start(ctx, "orchestrator."+strings.ToLower(string(state)),
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("state", string(state)),
			attribute.Int("healing.used", run.HealingUsed),
		))
	defer span.End()

	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}

	started := o.now()
	next, err := fn(ctx, run)
	stateDuration.WithLabelValues(string(state)).Observe(o.now().Sub(started).Seconds())
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("%s timed out after %s: %w", state, o.cfg.StageTimeout, err)
	}
	span.SetAttributes(attribute.String("next", string(next)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return next, err
}

func (o *Orchestrator) route(ctx context.Context, run *PipelineRun) (State, error) {
	mode, err := o.router.Classify(ctx, run.Task, WithLessons(run.lessons), withObserver(o.observer(run)))
	if err != nil {
		return StateAborted, err
	}
	run.set(func(r *PipelineRun) { r.Mode = mode })
	o.logger.Info(ctx, "run routed", zap.String("mode", string(mode)))
	if mode == pipeline.ModeSolo {
		return StateAssembling, nil
	}
	return StatePlanning, nil
}

func (o *Orchestrator) plan(ctx context.Context, run *PipelineRun) (State, error) {
	matches := o.knowledgeMatches(ctx, run)
	input := render(append(taskSections(run.Task, run.lessons), matchesSection(matches))...)
	res, err := o.callStage(ctx, run, pipeline.StagePlan, input, pipeline.StatusToolsSufficient, pipeline.StatusPlanCreated)
	if err != nil {
		return StateAborted, err
	}
	if res.Status == pipeline.StatusToolsSufficient {
		return StateAssembling, nil
	}
	run.set(func(r *PipelineRun) { r.plan = res.Payload })
	return StateGenerating, nil
}

func (o *Orchestrator) generate(ctx context.Context, run *PipelineRun) (State, error) {
	previous := run.source
	if previous == "" {
		// SOLO runs reach generation only through healing; the failed code
		// is what assembly stitched.
		previous = run.stitched
	}
	input := render(append(taskSections(run.Task, run.lessons),
		section{"Plan", run.plan},
		section{"Previous source", previous},
		section{"Verification failures", bullets(run.failures())},
	)...)
	res, err := o.callStage(ctx, run, pipeline.StageGenerate, input, pipeline.StatusTestsPassed)
	if err != nil {
		if run.HealingUsed > 0 && run.HealingUsed < o.cfg.HealingBudget && ctx.Err() == nil {
			run.addFailures(o.scrub("generate: " + err.Error()))
			return StateSelfHealing, err
		}
		return StateAborted, err
	}
	run.set(func(r *PipelineRun) { r.source = res.Payload })
	return StateReviewing, nil
}

func (o *Orchestrator) review(ctx context.Context, run *PipelineRun) (State, error) {
	input := render(append(taskSections(run.Task, nil), section{"Source", fence(run.source)})...)
	res, err := o.callStage(ctx, run, pipeline.StageReview, input, pipeline.StatusApproved, pipeline.StatusRejected)
	if err != nil {
		return StateAborted, err
	}
	if res.Status == pipeline.StatusRejected {
		return StateAborted, &pipeline.UnexpectedStatusError{Stage: pipeline.StageReview, Status: res.Status, Diagnostic: o.scrub(res.Diagnostic)}
	}
	o.index(ctx, run)
	return StateAssembling, nil
}

func (o *Orchestrator) assemble(ctx context.Context, run *PipelineRun) (State, error) {
	var matches []knowledge.Match
	if run.source == "" {
		matches = o.knowledgeMatches(ctx, run)
	}
	input := render(append(taskSections(run.Task, run.lessons),
		section{"Plan", run.plan},
		section{"Approved source", fence(run.source)},
		matchesSection(matches),
		section{"Verification failures", bullets(run.failures())},
	)...)
	declared := planDependencies(run.plan)

	_, err := o.cfg.Policy.Run(ctx, pipeline.StageCompose, nil, func(ctx context.Context, a retry.Attempt) (pipeline.StageResult, error) {
		res, err := invokeStage(ctx, o.deps.Capability, pipeline.StageCompose, input, a, nil, pipeline.StatusSpecReady)
		if err == nil {
			err = o.build(ctx, run, res.Payload, declared)
			if err != nil {
				res.Status = pipeline.StatusError
				res.Diagnostic = err.Error()
			}
		}
		o.record(ctx, run, res, err)
		return res, err
	})
	if err != nil {
		return StateAborted, err
	}
	return StateVerifying, nil
}

// build stitches the compose output and materializes the project.
func (o *Orchestrator) build(ctx context.Context, run *PipelineRun, spec string, declared []string) error {
	art, err := stitcher.ParseAndStitch(spec)
	if err != nil {
		return err
	}
	env, err := o.deps.Builder.Build(ctx, run.ID, art, declared)
	if err != nil {
		return err
	}
	run.set(func(r *PipelineRun) {
		r.environment = &env
		r.stitched = art.Source
	})
	o.logger.Debug(ctx, "project built",
		zap.String("root", env.Root),
		zap.Int("dependencies", len(env.Dependencies)),
		zap.String("revision", env.Revision),
	)
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, run *PipelineRun) (State, error) {
	run.mu.RLock()
	env := *run.environment
	run.mu.RUnlock()

	report, err := o.deps.Verifier.Verify(ctx, run.Task, env)
	o.untrack(ctx)
	run.set(func(r *PipelineRun) { r.report = &report })
	if errors.Is(ctx.Err(), context.Canceled) {
		return StateCancelled, ctx.Err()
	}
	if err == nil && report.Passed {
		o.emit(ctx, run.ID, StateVerifying, events.PhaseComplete, fmt.Sprintf("smoke %s, verification passed", report.Smoke.Outcome))
		return StateDelivered, nil
	}
	if err == nil {
		err = errors.New("verification did not pass")
	}

	failures := append([]string(nil), report.FailureLog...)
	if len(failures) == 0 {
		failures = []string{err.Error()}
	}
	for i := range failures {
		failures[i] = o.scrub(failures[i])
	}
	run.addFailures(failures...)
	o.emit(ctx, run.ID, StateVerifying, events.PhaseError, err.Error())

	if run.HealingUsed < o.cfg.HealingBudget {
		return StateSelfHealing, err
	}
	return StateAborted, &pipeline.HealingBudgetExhausted{Budget: o.cfg.HealingBudget, Last: err}
}

func (o *Orchestrator) heal(ctx context.Context, run *PipelineRun) (State, error) {
	run.set(func(r *PipelineRun) { r.HealingUsed++ })
	healingIterations.Inc()
	o.logger.Info(ctx, "self-healing",
		zap.Int("iteration", run.HealingUsed),
		zap.Int("budget", o.cfg.HealingBudget),
		zap.Int("failures", len(run.failures())),
	)
	return StateGenerating, nil
}

// callStage runs a capability stage under the retry policy.
func (o *Orchestrator) callStage(ctx context.Context, run *PipelineRun, stage pipeline.Stage, input string, accept ...pipeline.Status) (pipeline.StageResult, error) {
	observe := o.observer(run)
	return o.cfg.Policy.Run(ctx, stage, nil, func(ctx context.Context, a retry.Attempt) (pipeline.StageResult, error) {
		return invokeStage(ctx, o.deps.Capability, stage, input, a, observe, accept...)
	})
}

func (o *Orchestrator) observer(run *PipelineRun) observer {
	return func(ctx context.Context, res pipeline.StageResult, err error) {
		o.record(ctx, run, res, err)
	}
}

// record appends an attempt to the run history, the store and the trace.
func (o *Orchestrator) record(ctx context.Context, run *PipelineRun, res pipeline.StageResult, err error) {
	now := o.now()
	if res.StartedAt.IsZero() {
		res.StartedAt = now
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = now
	}
	res.Diagnostic = o.scrub(res.Diagnostic)
	run.appendResult(res)
	stageAttempts.WithLabelValues(string(res.Stage), res.Tier.String(), string(res.Status)).Inc()

	if o.deps.Store != nil {
		if sErr := o.deps.Store.AppendResult(context.WithoutCancel(ctx), run.ID, res); sErr != nil {
			o.logger.Warn(ctx, "persisting stage result failed", zap.Error(sErr))
		}
	}

	phase := events.PhaseComplete
	summary := fmt.Sprintf("%s attempt %d (%s): %s", res.Stage, res.Attempt, res.Tier, res.Status)
	if err != nil {
		phase = events.PhaseError
		if res.Diagnostic != "" {
			summary += ": " + res.Diagnostic
		}
	}
	o.emit(ctx, run.ID, stageStates[res.Stage], phase, summary)
}

func (o *Orchestrator) onRetry(ctx context.Context, stage pipeline.Stage, failed, next retry.Attempt, err error) {
	if next.Tier != failed.Tier {
		escalations.WithLabelValues(string(stage)).Inc()
	}
	o.logger.Debug(ctx, "retrying stage",
		zap.String("capability", string(stage)),
		zap.Int("failed_attempt", failed.Number),
		zap.Stringer("next_tier", next.Tier),
		zap.Bool("structural", pipeline.IsStructural(err)),
	)
}

// transition moves the run, persists it and publishes the move.
func (o *Orchestrator) transition(ctx context.Context, run *PipelineRun, to State, summary string) error {
	from := run.current()
	if err := run.moveTo(to, o.now()); err != nil {
		return err
	}
	transitions.WithLabelValues(string(from), string(to)).Inc()
	o.persist(ctx, run)

	phase := events.PhaseStart
	switch to {
	case StateDelivered:
		phase = events.PhaseComplete
	case StateAborted, StateCancelled:
		phase = events.PhaseError
	}
	o.emit(ctx, run.ID, to, phase, summary)
	return nil
}

// conclude performs the terminal transition and the bookkeeping after it.
func (o *Orchestrator) conclude(ctx context.Context, ar *activeRun, final State, err error) {
	run := ar.run
	post, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
	defer cancel()

	if final == StateDelivered {
		o.archive(post, run)
	} else {
		o.discard(post, run)
	}
	run.set(func(r *PipelineRun) { r.err = err })
	if tErr := o.transition(post, run, final, summarize(final, err)); tErr != nil {
		o.logger.Error(post, "invalid terminal transition", zap.Error(tErr))
	}
	o.recordLesson(post, run)

	elapsed := o.now().Sub(run.CreatedAt)
	runsTotal.WithLabelValues(string(final)).Inc()
	runDuration.WithLabelValues(string(final)).Observe(elapsed.Seconds())
	fields := []zap.Field{
		zap.String("outcome", string(final)),
		zap.Duration("elapsed", elapsed),
		zap.Int("healing_used", run.HealingUsed),
	}
	if err != nil {
		fields = append(fields, zap.String("error", o.scrub(err.Error())))
	}
	o.logger.Info(post, "run finished", fields...)
	o.deps.Publisher.Forget(run.ID)
}

// discard deletes the workspace of a run that did not deliver.
func (o *Orchestrator) discard(ctx context.Context, run *PipelineRun) {
	if o.cfg.KeepFailedWorkspaces {
		return
	}
	if err := o.deps.Builder.Remove(run.ID); err != nil {
		o.logger.Warn(ctx, "removing workspace failed", zap.Error(err))
		return
	}
	run.set(func(r *PipelineRun) { r.environment = nil })
}

func (o *Orchestrator) persist(ctx context.Context, run *PipelineRun) {
	if o.deps.Store == nil {
		return
	}
	rec := run.record()
	rec.Error = o.scrub(rec.Error)
	if err := o.deps.Store.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn(ctx, "persisting run failed", zap.Error(err))
	}
}

func (o *Orchestrator) emit(ctx context.Context, runID string, state State, phase events.Phase, summary string) {
	o.deps.Publisher.Emit(context.WithoutCancel(ctx), runID, string(state), phase, o.scrub(summary))
}

func (o *Orchestrator) scrub(s string) string {
	if s == "" {
		return s
	}
	return o.deps.Scrubber.Scrub(s)
}

func (o *Orchestrator) archive(ctx context.Context, run *PipelineRun) {
	if o.deps.Archiver == nil || run.environment == nil {
		return
	}
	url, err := o.deps.Archiver.Archive(ctx, run.ID, run.environment.Root)
	if err != nil {
		o.logger.Warn(ctx, "archiving delivered project failed", zap.Error(err))
		return
	}
	run.set(func(r *PipelineRun) { r.archiveURL = url })
}

func summarize(s State, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %v", s, err)
	}
	return string(s)
}

func fence(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	return "```python\n" + strings.TrimRight(src, "\n") + "\n```"
}

var dependencyLine = regexp.MustCompile(`(?im)^\s*[-*]?\s*dependencies\s*:\s*(.+)$`)

// planDependencies reads a "Dependencies: a, b" line from a plan.
func planDependencies(plan string) []string {
	var deps []string
	for _, m := range dependencyLine.FindAllStringSubmatch(plan, -1) {
		for _, d := range strings.Split(m[1], ",") {
			if d = strings.TrimSpace(d); d != "" && !strings.EqualFold(d, "none") {
				deps = append(deps, d)
			}
		}
	}
	return deps
}
