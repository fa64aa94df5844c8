package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Finished runs by terminal state",
		},
		[]string{"outcome"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgeline",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall time from submission to terminal state",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"outcome"},
	)

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "active_runs",
		Help:      "Runs that have not reached a terminal state",
	})

	stageAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "orchestrator",
			Name:      "stage_attempts_total",
			Help:      "Capability attempts by stage, tier and status",
		},
		[]string{"stage", "tier", "status"},
	)

	stateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgeline",
			Subsystem: "orchestrator",
			Name:      "state_duration_seconds",
			Help:      "Time spent in each state, retries included",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"state"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "State transitions taken",
		},
		[]string{"from", "to"},
	)

	escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "orchestrator",
			Name:      "escalations_total",
			Help:      "Retries moved to the escalated tier",
		},
		[]string{"stage"},
	)

	healingIterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "healing_iterations_total",
		Help:      "Self-healing re-entries into generation",
	})

	modulesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "modules_indexed_total",
		Help:      "Approved modules written to the knowledge base",
	})

	processStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "process_stops_total",
		Help:      "Live processes force-stopped by cancellation",
	})
)
