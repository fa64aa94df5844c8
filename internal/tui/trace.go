// Package tui renders pipeline traces in the terminal: a live bubbletea view
// for runs started from the CLI and a static rendering of stored traces.
package tui

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
)

// Visit is one stay of a run in a state. A state entered twice (GENERATING
// after SELF_HEALING) gets two visits.
type Visit struct {
	State    string
	Started  time.Time
	Ended    time.Time // zero while the run is in this state
	Attempts int
	Failed   int
	Last     events.Phase // phase of the latest attempt event
	Summary  string
}

// Elapsed is the time spent in the state, up to now for the open visit.
func (v Visit) Elapsed(now time.Time) time.Duration {
	if v.Started.IsZero() {
		return 0
	}
	end := v.Ended
	if end.IsZero() {
		end = now
	}
	if end.Before(v.Started) {
		return 0
	}
	return end.Sub(v.Started)
}

// Trace folds trace events into visits.
type Trace struct {
	Visits  []Visit
	Final   string // terminal state, empty while running
	Summary string // summary of the terminal event
	Healing int    // SELF_HEALING visits
	lastSeq int64
}

// Apply folds one event. Events at or below the last applied sequence
// number are ignored, so replays overlapping a live stream are harmless.
func (t *Trace) Apply(ev events.TraceEvent) {
	if ev.Seq != 0 && ev.Seq <= t.lastSeq {
		return
	}
	if ev.Seq != 0 {
		t.lastSeq = ev.Seq
	}

	if orchestrator.State(ev.Stage).Terminal() {
		t.closeOpen(ev.Timestamp)
		t.Final = ev.Stage
		t.Summary = ev.Summary
		return
	}

	switch ev.Phase {
	case events.PhaseStart:
		t.closeOpen(ev.Timestamp)
		t.Visits = append(t.Visits, Visit{State: ev.Stage, Started: ev.Timestamp, Summary: ev.Summary})
		if ev.Stage == string(orchestrator.StateSelfHealing) {
			t.Healing++
		}
	default:
		v := t.open(ev.Stage, ev.Timestamp)
		v.Attempts++
		if ev.Phase == events.PhaseError {
			v.Failed++
		}
		v.Last = ev.Phase
		v.Summary = ev.Summary
	}
}

// Durations returns the seconds spent in each closed visit.
func (t *Trace) Durations() []float64 {
	out := make([]float64, 0, len(t.Visits))
	for _, v := range t.Visits {
		if v.Ended.IsZero() {
			continue
		}
		out = append(out, v.Elapsed(v.Ended).Seconds())
	}
	return out
}

// open returns the current visit of state, starting one when the trace
// began mid-visit.
func (t *Trace) open(state string, at time.Time) *Visit {
	if n := len(t.Visits); n > 0 && t.Visits[n-1].State == state && t.Visits[n-1].Ended.IsZero() {
		return &t.Visits[n-1]
	}
	t.closeOpen(at)
	t.Visits = append(t.Visits, Visit{State: state, Started: at})
	return &t.Visits[len(t.Visits)-1]
}

func (t *Trace) closeOpen(at time.Time) {
	if n := len(t.Visits); n > 0 && t.Visits[n-1].Ended.IsZero() {
		t.Visits[n-1].Ended = at
	}
}

// formatDuration renders d as "1h 4m", "3m 12s" or "4.2s".
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}
