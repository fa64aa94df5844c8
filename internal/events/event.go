// Package events publishes the trace of every pipeline run.
//
// A Publisher stamps each TraceEvent with a per-run sequence number and fans
// it out to one or more Sinks. Sink failures are logged and counted, never
// returned to the caller: a broken event bus must not stall a run.
package events

import (
	"context"
	"time"
)

// Phase marks where in a stage an event was emitted.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// TraceEvent is one write-once entry in a run's trace. Events sharing a
// RunID are totally ordered by Seq.
type TraceEvent struct {
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Stage     string    `json:"stage"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary,omitempty"`
}

// Sink receives trace events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev TraceEvent) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Name() string { return "nop" }

func (NopSink) Publish(context.Context, TraceEvent) error { return nil }
