// Package metrics exposes the reconciler's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitopsd_reconcile_total",
		Help: "Reconciliation cycles by application and outcome.",
	}, []string{"application", "outcome"})

	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gitopsd_reconcile_duration_seconds",
		Help:    "Wall time of one reconciliation cycle.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"application"})

	SyncOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitopsd_sync_operations_total",
		Help: "Executed sync operations by type and status.",
	}, []string{"application", "operation", "status"})
)

// Handler serves the default registry, suitable for --metrics-addr.
func Handler() http.Handler {
	return promhttp.Handler()
}
