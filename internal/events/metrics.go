package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Trace events accepted by a sink",
		},
		[]string{"sink"},
	)

	publishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Trace events a sink failed to accept",
		},
		[]string{"sink"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeline",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Trace events dropped because an async sink buffer was full",
		},
		[]string{"sink"},
	)
)
