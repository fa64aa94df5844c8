package workflows

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "forgeline/workflows"

var (
	metricsOnce sync.Once

	pipelineExecutions metric.Int64Counter
	pipelineDuration   metric.Float64Histogram
	activityErrors     metric.Int64Counter
)

// initMetrics creates the instruments on first use so a meter provider
// installed at startup is picked up.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)

		// Errors leave the instrument nil; recording skips nil instruments.
		pipelineExecutions, _ = meter.Int64Counter(
			"forgeline.workflows.pipeline.executions",
			metric.WithDescription("Pipeline activity executions by terminal state"),
			metric.WithUnit("{execution}"),
		)
		pipelineDuration, _ = meter.Float64Histogram(
			"forgeline.workflows.pipeline.duration",
			metric.WithDescription("Duration of pipeline activity executions"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600),
		)
		activityErrors, _ = meter.Int64Counter(
			"forgeline.workflows.activity.errors",
			metric.WithDescription("Activity executions that returned an error"),
			metric.WithUnit("{error}"),
		)
	})
}

func recordExecution(ctx context.Context, state string, d time.Duration) {
	initMetrics()
	attrs := metric.WithAttributes(attribute.String("state", state))
	if pipelineExecutions != nil {
		pipelineExecutions.Add(ctx, 1, attrs)
	}
	if pipelineDuration != nil {
		pipelineDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func recordActivityError(ctx context.Context, activity string) {
	initMetrics()
	if activityErrors != nil {
		activityErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("activity", activity)))
	}
}
