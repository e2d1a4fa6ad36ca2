package retracer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retraceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daisy_retraces_total",
			Help: "Retrace jobs processed, by architecture and outcome.",
		}, []string{"architecture", "outcome"})

	retraceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "daisy_retrace_duration_seconds",
			Help:    "Time from core submission to final acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"architecture"})
)
