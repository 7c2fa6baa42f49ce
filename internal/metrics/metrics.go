// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sam3_active_sessions",
		Help: "Number of non-closed tracking sessions.",
	})

	DevicesFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sam3_devices_free",
		Help: "Devices currently available in the pool.",
	})

	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sam3_frames_processed_total",
		Help: "Frames produced by propagation runs.",
	})

	PropagationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sam3_propagation_duration_seconds",
		Help:    "Wall-clock duration of propagation runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	PropagationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sam3_propagation_failures_total",
		Help: "Propagation runs ended by a non-success condition.",
	}, []string{"kind"})

	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sam3_sessions_reaped_total",
		Help: "Idle sessions reclaimed by the reaper.",
	})
)
