// Package metrics defines Prometheus metrics for the control plane.
//
// Metric naming follows Prometheus conventions:
//   - packpool_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts sync operations by type and terminal status.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packpool_operations_total",
			Help: "Total number of sync operations by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	// OperationDurationSeconds is a histogram of operation duration by type.
	OperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packpool_operation_duration_seconds",
			Help:    "Duration of sync operations in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"type"},
	)

	// UnitRetriesTotal counts per-unit retries by action type.
	UnitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packpool_unit_retries_total",
			Help: "Total per-unit retry attempts during operation execution.",
		},
		[]string{"action"},
	)

	// EndpointsByStatus is the current endpoint count by liveness status.
	EndpointsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packpool_endpoints",
			Help: "Number of registered endpoints by status.",
		},
		[]string{"status"},
	)

	// AnalysesTotal counts compatibility analysis runs by outcome.
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packpool_analyses_total",
			Help: "Total compatibility analysis runs by outcome.",
		},
		[]string{"outcome"},
	)

	// ConflictsDetected is the conflict count in the latest report per pool.
	ConflictsDetected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packpool_report_conflicts",
			Help: "Unresolved conflicts in the latest compatibility report per pool.",
		},
		[]string{"pool"},
	)

	// ActiveOperations is the number of currently executing operations.
	ActiveOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "packpool_active_operations",
			Help: "Number of sync operations currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDurationSeconds,
		UnitRetriesTotal,
		EndpointsByStatus,
		AnalysesTotal,
		ConflictsDetected,
		ActiveOperations,
	)
}

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperationComplete records metrics for a terminally-transitioned operation.
func RecordOperationComplete(opType, status string, duration time.Duration) {
	OperationsTotal.WithLabelValues(opType, status).Inc()
	OperationDurationSeconds.WithLabelValues(opType).Observe(duration.Seconds())
}

// RecordAnalysis records one analysis run and its conflict count.
func RecordAnalysis(pool, outcome string, conflicts int) {
	AnalysesTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		ConflictsDetected.WithLabelValues(pool).Set(float64(conflicts))
	}
}
