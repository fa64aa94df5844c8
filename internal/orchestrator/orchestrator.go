// Package orchestrator drives a task through the forgeline state machine.
//
// A run starts in ROUTING and moves along allowedTransitions until it reaches
// DELIVERED, ABORTED or CANCELLED. Each capability stage is wrapped by the
// retry policy; verification failures re-enter GENERATING through
// SELF_HEALING while the healing budget lasts. Every transition is published
// as a trace event before the next stage call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/forgeline/internal/compiler"
	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/gateway"
	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/retry"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
	"github.com/fyrsmithlabs/forgeline/internal/secrets"
	"github.com/fyrsmithlabs/forgeline/internal/stitcher"
	"github.com/fyrsmithlabs/forgeline/internal/verifier"
)

// ErrRunNotFound is returned for ids that are neither active nor stored.
var ErrRunNotFound = errors.New("run not found")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("orchestrator closed")

// Builder materializes a stitched artifact into a runnable project.
type Builder interface {
	Build(ctx context.Context, runID string, art stitcher.StitchedArtifact, declared []string) (compiler.EnvironmentDescriptor, error)
	Remove(runID string) error
}

// Verifier runs a built project.
type Verifier interface {
	Verify(ctx context.Context, task pipeline.Task, env compiler.EnvironmentDescriptor) (verifier.VerificationReport, error)
}

// Knowledge is the module and lesson store.
type Knowledge interface {
	Query(ctx context.Context, text string, k int) ([]knowledge.Match, error)
	Sufficient(results []knowledge.Match) bool
	Upsert(ctx context.Context, m knowledge.ModuleDescriptor) (string, error)
	RecordLesson(ctx context.Context, l knowledge.Lesson) error
	RecallLessons(ctx context.Context, goal string, k int) ([]knowledge.Lesson, error)
}

// Archiver uploads a delivered project and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, runID, root string) (string, error)
}

// Stopper is anything holding a live process.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Config bounds a run.
type Config struct {
	Policy        retry.Policy
	HealingBudget int
	// StageTimeout bounds one state, retries included. Zero disables it.
	StageTimeout      time.Duration
	MaxConcurrentRuns int
	LessonRecall      int
	KnowledgeTopK     int
	StopTimeout       time.Duration
	// KeepFailedWorkspaces leaves the project of ABORTED and CANCELLED runs
	// on disk.
	KeepFailedWorkspaces bool
}

// Deps are the collaborators of an Orchestrator. Capability, Builder and
// Verifier are required.
type Deps struct {
	Capability gateway.Capability
	Builder    Builder
	Verifier   Verifier
	Knowledge  Knowledge
	Store      runstore.Store
	Publisher  *events.Publisher
	Archiver   Archiver
	Scrubber   secrets.Scrubber
	Logger     *logging.Logger
}

// Orchestrator runs tasks. It is safe for concurrent use; every run owns its
// PipelineRun, workspace and process.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	router *Router
	tracer trace.Tracer
	logger *logging.Logger
	sem    *semaphore.Weighted
	now    func() time.Time

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	active   map[string]*activeRun
	finished *lru.Cache[string, *activeRun]
	closed   bool
}

// recentRuns is how many finished runs stay reachable without a store.
const recentRuns = 256

type activeRun struct {
	run    *PipelineRun
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu       sync.Mutex
	live     Stopper
	stopOnce sync.Once
	stopped  bool
}

var errCancelled = errors.New("run cancelled")

// New validates cfg and wires deps.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Capability == nil || deps.Builder == nil || deps.Verifier == nil {
		return nil, fmt.Errorf("capability, builder and verifier are required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.HealingBudget < 0 {
		return nil, fmt.Errorf("healing budget cannot be negative")
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.KnowledgeTopK <= 0 {
		cfg.KnowledgeTopK = 5
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NewPublisher(deps.Logger)
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.Nop{}
	}

	finished, err := lru.New[string, *activeRun](recentRuns)
	if err != nil {
		return nil, err
	}
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		tracer:   otel.Tracer("forgeline/orchestrator"),
		logger:   deps.Logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		now:      time.Now,
		base:     base,
		stop:     stop,
		active:   make(map[string]*activeRun),
		finished: finished,
	}
	o.cfg.Policy.OnRetry = o.onRetry
	o.router = NewRouter(deps.Capability, o.cfg.Policy)
	return o, nil
}

// WithTracer replaces the tracer spans are opened on.
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// Submit starts a run in the background and returns its id.
func (o *Orchestrator) Submit(ctx context.Context, task pipeline.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	ar, err := o.start(task)
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(ar)
	}()
	return ar.run.ID, nil
}

// Run executes a task and blocks until it reaches a terminal state. The
// returned error is the run's terminal error, if any.
func (o *Orchestrator) Run(ctx context.Context, task pipeline.Task) (*Result, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	ar, err := o.start(task)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		o.cancelRun(ar, ctx.Err())
	}
	stop := context.AfterFunc(ctx, func() { o.cancelRun(ar, ctx.Err()) })
	defer stop()
	o.execute(ar)
	res := ar.run.result()
	return res, res.Err
}

// Wait blocks until runID finishes and returns its result.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*Result, error) {
	ar, ok := o.lookup(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-ar.done:
		return ar.run.result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a run: the run context is cancelled, the live process is
// stopped once and the run ends CANCELLED.
func (o *Orchestrator) Cancel(runID string) error {
	ar, ok := o.lookup(runID)
	if !ok {
		return ErrRunNotFound
	}
	if ar.run.current().Terminal() {
		return nil
	}
	o.cancelRun(ar, errCancelled)
	return nil
}

func (o *Orchestrator) cancelRun(ar *activeRun, cause error) {
	ar.cancel(cause)
	ar.mu.Lock()
	ar.stopped = true
	live := ar.live
	ar.mu.Unlock()
	if live != nil {
		o.stopLive(ar, live)
	}
}

func (o *Orchestrator) stopLive(ar *activeRun, live Stopper) {
	ar.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
		defer cancel()
		if err := live.Stop(ctx); err != nil {
			o.logger.Warn(ctx, "stopping run process failed", zap.String("run_id", ar.run.ID), zap.Error(err))
		}
		processStops.Inc()
	})
}

// Status returns the live record of an active run, or the stored one.
func (o *Orchestrator) Status(ctx context.Context, runID string) (runstore.Run, error) {
	if ar, ok := o.lookup(runID); ok {
		return ar.run.record(), nil
	}
	if o.deps.Store == nil {
		return runstore.Run{}, ErrRunNotFound
	}
	rec, err := o.deps.Store.GetRun(ctx, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		return runstore.Run{}, ErrRunNotFound
	}
	return rec, err
}

// Active lists ids of runs that have not finished.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every active run and waits for background runs to end.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	runs := make([]*activeRun, 0, len(o.active))
	for _, ar := range o.active {
		runs = append(runs, ar)
	}
	o.mu.Unlock()
	for _, ar := range runs {
		o.cancelRun(ar, errCancelled)
	}
	o.stop()
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) start(task pipeline.Task) (*activeRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	run := newPipelineRun(uuid.NewString(), task, o.now())
	ctx, cancel := context.WithCancelCause(o.base)
	ar := &activeRun{run: run, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	o.active[run.ID] = ar
	activeRuns.Inc()
	return ar, nil
}

// finish moves ar out of the active set.
func (o *Orchestrator) finish(ar *activeRun) {
	o.mu.Lock()
	delete(o.active, ar.run.ID)
	o.finished.Add(ar.run.ID, ar)
	o.mu.Unlock()
	activeRuns.Dec()
	ar.cancel(nil)
	close(ar.done)
}

func (o *Orchestrator) lookup(runID string) (*activeRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ar, ok := o.active[runID]; ok {
		return ar, true
	}
	return o.finished.Get(runID)
}

// track registers a live process for the run in ctx. If the run was already
// cancelled the process is stopped at once.
func (o *Orchestrator) track(ctx context.Context, s Stopper) {
	o.mu.Lock()
	ar, ok := o.active[logging.RunIDFromContext(ctx)]
	o.mu.Unlock()
	if !ok {
		return
	}
	ar.mu.Lock()
	ar.live = s
	stopped := ar.stopped
	ar.mu.Unlock()
	if stopped {
		o.stopLive(ar, s)
	}
}

func (o *Orchestrator) untrack(ctx context.Context) {
	o.mu.Lock()
	ar, ok := o.active[logging.RunIDFromContext(ctx)]
	o.mu.Unlock()
	if !ok {
		return
	}
	ar.mu.Lock()
	ar.live = nil
	ar.mu.Unlock()
}

// TrackingRunner wraps the verifier's process runner so Cancel can reach the
// process a run is verifying.
func (o *Orchestrator) TrackingRunner(inner verifier.Runner) verifier.Runner {
	return &trackingRunner{Runner: inner, o: o}
}
