// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_runs_total",
			Help: "Total number of polling passes executed",
		},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "notifier_run_duration_seconds",
			Help: "Duration of one polling pass in seconds",
		},
	)

	HitsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_hits_processed_total",
			Help: "Evaluation hits processed per outcome",
		},
		[]string{"outcome"},
	)

	ConfigErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_config_errors_total",
			Help: "Rules skipped due to malformed configuration",
		},
	)

	StaleClaimsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_stale_claims_reaped_total",
			Help: "Orphaned delivery claims requeued as transient failures",
		},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "notifier_dispatch_duration_seconds",
			Help: "Duration of channel send calls in seconds",
		},
		[]string{"result"},
	)
)
