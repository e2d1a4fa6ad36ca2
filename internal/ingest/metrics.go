package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rejectedReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daisy_reports_rejected_total",
			Help: "Crash reports rejected at ingest, by reason.",
		}, []string{"reason"})

	acceptedReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daisy_reports_accepted_total",
			Help: "Crash reports accepted at ingest, by outcome.",
		}, []string{"outcome"})

	missingSystemToken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daisy_reports_missing_system_token_total",
			Help: "Reports submitted without a usable system token, by client version.",
		}, []string{"whoopsie_version"})

	coresReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daisy_cores_received_total",
			Help: "Core dumps accepted for retracing, by architecture.",
		}, []string{"architecture"})

	coresDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daisy_cores_dropped_total",
			Help: "Core dumps shed by the blob write policy, by architecture.",
		}, []string{"architecture"})
)
