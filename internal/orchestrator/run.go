package orchestrator

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/forgeline/internal/compiler"
	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
	"github.com/fyrsmithlabs/forgeline/internal/verifier"
)

// PipelineRun is the mutable state of one run. Only the run goroutine
// writes it; readers take snapshots.
type PipelineRun struct {
	mu sync.RWMutex

	ID          string
	Task        pipeline.Task
	Mode        pipeline.Mode
	State       State
	Path        []State
	Attempts    map[pipeline.Stage]int
	Failures    []string
	HealingUsed int
	Results     []pipeline.StageResult
	CreatedAt   time.Time
	UpdatedAt   time.Time

	lessons     []knowledge.Lesson
	matches     []knowledge.Match
	matched     bool
	plan        string
	source      string
	stitched    string
	environment *compiler.EnvironmentDescriptor
	report      *verifier.VerificationReport
	archiveURL  string
	err         error
}

func newPipelineRun(id string, task pipeline.Task, now time.Time) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Task:      task,
		State:     StateRouting,
		Path:      []State{StateRouting},
		Attempts:  make(map[pipeline.Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *PipelineRun) moveTo(s State, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := CanTransition(r.State, s); err != nil {
		return err
	}
	r.State = s
	r.Path = append(r.Path, s)
	r.UpdatedAt = now
	return nil
}

func (r *PipelineRun) current() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.State
}

func (r *PipelineRun) appendResult(res pipeline.StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
	if res.Attempt > r.Attempts[res.Stage] {
		r.Attempts[res.Stage] = res.Attempt
	}
}

func (r *PipelineRun) addFailures(lines ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, lines...)
}

func (r *PipelineRun) failures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.Failures...)
}

func (r *PipelineRun) set(fn func(r *PipelineRun)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// escalated reports whether any attempt used the escalated tier.
func (r *PipelineRun) escalated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range r.Results {
		if res.Tier == pipeline.TierEscalated {
			return true
		}
	}
	return false
}

// record converts the run to its persisted form.
func (r *PipelineRun) record() runstore.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	path := make([]string, len(r.Path))
	for i, s := range r.Path {
		path[i] = string(s)
	}
	rec := runstore.Run{
		ID:                 r.ID,
		Goal:               r.Task.Goal,
		AcceptanceCriteria: r.Task.AcceptanceCriteria,
		Mode:               string(r.Mode),
		State:              string(r.State),
		Outcome:            r.State.Outcome(),
		HealingUsed:        r.HealingUsed,
		Path:               path,
		ArchiveURL:         r.archiveURL,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.err != nil {
		rec.Error = r.err.Error()
	}
	if r.environment != nil {
		rec.ArtifactPath = r.environment.Root
		rec.Revision = r.environment.Revision
	}
	return rec
}

// result snapshots the run for callers.
func (r *PipelineRun) result() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := &Result{
		RunID:       r.ID,
		Mode:        r.Mode,
		State:       r.State,
		Path:        append([]State(nil), r.Path...),
		Results:     append([]pipeline.StageResult(nil), r.Results...),
		HealingUsed: r.HealingUsed,
		ArchiveURL:  r.archiveURL,
		Err:         r.err,
	}
	if r.environment != nil {
		env := *r.environment
		res.Environment = &env
	}
	if r.report != nil {
		rep := *r.report
		res.Report = &rep
	}
	return res
}

// Result is what a finished run hands back. DELIVERED carries the
// environment and report; ABORTED carries the stage history and Err.
type Result struct {
	RunID       string                          `json:"run_id"`
	Mode        pipeline.Mode                   `json:"mode,omitempty"`
	State       State                           `json:"state"`
	Path        []State                         `json:"path"`
	Results     []pipeline.StageResult          `json:"results"`
	HealingUsed int                             `json:"healing_used"`
	Environment *compiler.EnvironmentDescriptor `json:"environment,omitempty"`
	Report      *verifier.VerificationReport    `json:"report,omitempty"`
	ArchiveURL  string                          `json:"archive_url,omitempty"`
	Err         error                           `json:"-"`
}

// LastDiagnostic returns the diagnostic of the most recent failed attempt.
func (r *Result) LastDiagnostic() string {
	for i := len(r.Results) - 1; i >= 0; i-- {
		if d := r.Results[i].Diagnostic; d != "" {
			return d
		}
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

// Count returns how many results were recorded for stage.
func (r *Result) Count(stage pipeline.Stage) int {
	n := 0
	for _, res := range r.Results {
		if res.Stage == stage {
			n++
		}
	}
	return n
}
