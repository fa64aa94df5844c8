// Package runstore keeps the history of every pipeline run: the run record,
// each stage result in order, and the trace events.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

var ErrNotFound = errors.New("run not found")

// Run is the persisted view of a pipeline run.
type Run struct {
	ID                 string    `json:"id"`
	Goal               string    `json:"goal"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	Mode               string    `json:"mode,omitempty"`
	State              string    `json:"state"`
	Outcome            string    `json:"outcome,omitempty"`
	Error              string    `json:"error,omitempty"`
	HealingUsed        int       `json:"healing_used"`
	Path               []string  `json:"path"`
	ArtifactPath       string    `json:"artifact_path,omitempty"`
	Revision           string    `json:"revision,omitempty"`
	ArchiveURL         string    `json:"archive_url,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool { return r.Outcome != "" }

// Store persists runs. It is also an events.Sink so trace events land next
// to the results they describe.
type Store interface {
	events.Sink

	SaveRun(ctx context.Context, r Run) error
	AppendResult(ctx context.Context, runID string, res pipeline.StageResult) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Results(ctx context.Context, runID string) ([]pipeline.StageResult, error)
	Events(ctx context.Context, runID string) ([]events.TraceEvent, error)
	Close() error
}
