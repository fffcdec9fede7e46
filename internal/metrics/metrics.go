// Package metrics exposes Prometheus instrumentation for discovery, the
// login flow and orchestrated sync tasks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimsync_sync_tasks_total",
		Help: "Total number of collection sync tasks by kind and outcome.",
	}, []string{"kind", "outcome"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pimsync_sync_duration_seconds",
		Help:    "Histogram of collection sync latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	discoveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimsync_discovery_total",
		Help: "Total number of service discoveries by service and outcome.",
	}, []string{"service", "outcome"})

	loginFlowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimsync_login_flow_total",
		Help: "Total number of delegated login sessions by final state.",
	}, []string{"state"})

	inflightCollections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pimsync_inflight_collections",
		Help: "Number of collections currently syncing.",
	})
)

// ObserveSync records one finished collection sync.
func ObserveSync(kind, outcome string, start time.Time) {
	syncTasksTotal.WithLabelValues(kind, outcome).Inc()
	syncDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// ObserveDiscovery records one service discovery attempt.
func ObserveDiscovery(service, outcome string) {
	discoveryTotal.WithLabelValues(service, outcome).Inc()
}

// ObserveLoginFlow records a login session reaching a terminal state.
func ObserveLoginFlow(state string) {
	loginFlowTotal.WithLabelValues(state).Inc()
}

// SetInflight publishes the current number of in-flight collections.
func SetInflight(n int) {
	inflightCollections.Set(float64(n))
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
