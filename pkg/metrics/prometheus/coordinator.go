// Package prometheus provides Prometheus-backed implementations of the
// metrics interfaces consumed by the coordinator and the object store.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/quartermaster/pkg/coordinator"
	"github.com/marmos91/quartermaster/pkg/metrics"
)

type coordinatorMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fetchesTotal    *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	staleReferences prometheus.Counter
}

// NewCoordinatorMetrics creates a Prometheus-backed coordinator.Metrics.
// Returns nil when metrics are disabled, which the coordinator treats as a
// no-op collector.
func NewCoordinatorMetrics() coordinator.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &coordinatorMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "qm_requests_total",
				Help: "Total download requests handled, by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "qm_request_duration_milliseconds",
				Help: "Request handling duration in milliseconds",
				Buckets: []float64{
					1,      // cache hits
					10,     // coordination round trips
					100,    //
					1000,   // 1s
					10000,  // 10s - short fetches
					60000,  // 1m
					300000, // 5m - long fetches
				},
			},
			[]string{"outcome"},
		),
		fetchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "qm_fetches_total",
				Help: "Total producer fetches, by status",
			},
			[]string{"status"},
		),
		fetchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "qm_fetch_duration_milliseconds",
				Help: "Producer fetch duration in milliseconds",
				Buckets: []float64{
					100,    // disk cache hits
					1000,   // 1s
					5000,   // 5s
					30000,  // 30s
					60000,  // 1m
					300000, // 5m
					600000, // 10m - timeout boundary
				},
			},
		),
		staleReferences: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "qm_stale_references_total",
				Help: "Cache hits downgraded to misses because the object was gone",
			},
		),
	}
}

func (m *coordinatorMetrics) ObserveRequest(outcome string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds() * 1000)
}

func (m *coordinatorMetrics) ObserveFetch(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.fetchesTotal.WithLabelValues(status).Inc()
	m.fetchDuration.Observe(duration.Seconds() * 1000)
}

func (m *coordinatorMetrics) RecordStaleReference() {
	m.staleReferences.Inc()
}
