package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Capability calls by stage, tier and normalized status",
		},
		[]string{"stage", "tier", "status"},
	)

	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgeline",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Capability call latency",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "tier"},
	)

	modelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "gateway",
			Name:      "model_fallbacks_total",
			Help:      "Calls that fell through to the next model in a tier chain",
		},
		[]string{"tier", "model"},
	)
)
