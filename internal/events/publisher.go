package events

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

// maxSummaryLen bounds the payload summary carried by an event.
const maxSummaryLen = 512

// Publisher stamps and fans out trace events.
type Publisher struct {
	sinks  []Sink
	logger *logging.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq map[string]int64
}

// NewPublisher creates a publisher over sinks. A nil logger discards logs.
func NewPublisher(logger *logging.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{
		sinks:  sinks,
		logger: logger.Named("events"),
		now:    time.Now,
		seq:    make(map[string]int64),
	}
}

// Emit builds a TraceEvent and delivers it to every sink in order.
// Sequence assignment and delivery happen under one lock so sinks observe
// each run's events in Seq order.
func (p *Publisher) Emit(ctx context.Context, runID, stage string, phase Phase, summary string) TraceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq[runID]++
	ev := TraceEvent{
		RunID:     runID,
		Seq:       p.seq[runID],
		Stage:     stage,
		Phase:     phase,
		Timestamp: p.now().UTC(),
		Summary:   truncate(summary, maxSummaryLen),
	}

	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			publishFailures.WithLabelValues(sink.Name()).Inc()
			p.logger.Warn(ctx, "trace event publish failed",
				zap.String("sink", sink.Name()),
				zap.String("run.id", runID),
				zap.Int64("seq", ev.Seq),
				zap.Error(err))
			continue
		}
		eventsPublished.WithLabelValues(sink.Name()).Inc()
	}
	return ev
}

// Forget drops sequence state for a finished run.
func (p *Publisher) Forget(runID string) {
	p.mu.Lock()
	delete(p.seq, runID)
	p.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
