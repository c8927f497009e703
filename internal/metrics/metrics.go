// Package metrics defines the Prometheus collectors exported at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts API requests by endpoint and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sift_requests_total",
		Help: "API requests by endpoint and HTTP status.",
	}, []string{"endpoint", "status"})

	// RunsTotal counts terminal sandbox runs.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sift_runs_total",
		Help: "Completed runs by query mode and terminal status.",
	}, []string{"query_mode", "status"})

	// RunDuration observes end-to-end turn latency per sandbox provider.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sift_run_duration_seconds",
		Help:    "Turn duration from submission to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	// SandboxInflight tracks concurrent sandbox submissions, fed by the
	// executor gate.
	SandboxInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sift_sandbox_inflight",
		Help: "Sandbox submissions currently holding a concurrency slot.",
	})
)

// ObserveInflight is the executor gate's OnInflightChange hook.
func ObserveInflight(delta int) {
	SandboxInflight.Add(float64(delta))
}
