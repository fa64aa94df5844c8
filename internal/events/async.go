package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

// AsyncSink moves delivery to a network sink off the caller's goroutine.
// A single worker preserves emission order; when the buffer is full the
// event is dropped and counted.
type AsyncSink struct {
	inner  Sink
	logger *logging.Logger
	queue  chan TraceEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts the delivery worker for inner.
func NewAsyncSink(inner Sink, buffer int, logger *logging.Logger) *AsyncSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	a := &AsyncSink{
		inner:  inner,
		logger: logger,
		queue:  make(chan TraceEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) Name() string { return a.inner.Name() }

func (a *AsyncSink) Publish(_ context.Context, ev TraceEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		eventsDropped.WithLabelValues(a.Name()).Inc()
		return nil
	}
	select {
	case a.queue <- ev:
	default:
		eventsDropped.WithLabelValues(a.Name()).Inc()
	}
	return nil
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx := logging.WithRunID(context.Background(), ev.RunID)
		if err := a.inner.Publish(ctx, ev); err != nil {
			publishFailures.WithLabelValues(a.Name()).Inc()
			a.logger.Warn(ctx, "async trace delivery failed",
				zap.String("sink", a.Name()), zap.Int64("seq", ev.Seq), zap.Error(err))
		}
	}
}

// Close drains queued events and stops the worker.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
