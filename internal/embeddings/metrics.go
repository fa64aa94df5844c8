package embeddings

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/forgeline/internal/embeddings"

type instruments struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

// meter is resolved lazily so the global provider installed by telemetry
// at startup is picked up.
func getInstruments() instruments {
	instOnce.Do(func() {
		m := otel.Meter(instrumentationName)
		inst.duration, _ = m.Float64Histogram(
			"forgeline.embedding.duration_seconds",
			metric.WithDescription("Embedding generation latency by model and operation"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
		)
		inst.batchSize, _ = m.Int64Histogram(
			"forgeline.embedding.batch_size",
			metric.WithDescription("Texts per embedding request"),
			metric.WithUnit("{text}"),
			metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100),
		)
		inst.errors, _ = m.Int64Counter(
			"forgeline.embedding.errors_total",
			metric.WithDescription("Failed embedding requests by model and operation"),
			metric.WithUnit("{error}"),
		)
	})
	return inst
}

func recordGeneration(ctx context.Context, model, op string, d time.Duration, n int, err error) {
	i := getInstruments()
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", op),
	)
	if i.duration != nil {
		i.duration.Record(ctx, d.Seconds(), attrs)
	}
	if n > 0 && i.batchSize != nil {
		i.batchSize.Record(ctx, int64(n), attrs)
	}
	if err != nil && i.errors != nil {
		i.errors.Add(ctx, 1, attrs)
	}
}
