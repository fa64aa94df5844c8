package events

import (
	"context"
	"sync"
)

// MemorySink keeps every event in memory. Used by tests and by the CLI's
// one-shot `run` command.
type MemorySink struct {
	mu     sync.Mutex
	events []TraceEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Publish(_ context.Context, ev TraceEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of everything recorded so far.
func (m *MemorySink) Snapshot() []TraceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TraceEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ForRun returns the recorded events of one run in emission order.
func (m *MemorySink) ForRun(runID string) []TraceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TraceEvent
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// Broadcaster forwards events to live per-run subscribers such as websocket
// clients. Slow subscribers lose events rather than blocking the run.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[chan TraceEvent]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan TraceEvent]struct{})}
}

func (b *Broadcaster) Name() string { return "broadcast" }

// AllRuns subscribes to the events of every run.
const AllRuns = ""

func (b *Broadcaster) Publish(_ context.Context, ev TraceEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliver(b.subs[ev.RunID], ev)
	if ev.RunID != AllRuns {
		b.deliver(b.subs[AllRuns], ev)
	}
	return nil
}

func (b *Broadcaster) deliver(subs map[chan TraceEvent]struct{}, ev TraceEvent) {
	for ch := range subs {
		select {
		case ch <- ev:
		default:
			eventsDropped.WithLabelValues(b.Name()).Inc()
		}
	}
}

// Subscribe registers a buffered channel for runID, or for every run with
// AllRuns. The returned func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(runID string, buffer int) (<-chan TraceEvent, func()) {
	ch := make(chan TraceEvent, buffer)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan TraceEvent]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[runID], ch)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}
