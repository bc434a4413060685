package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/quartermaster/pkg/metrics"
	s3store "github.com/marmos91/quartermaster/pkg/objectstore/s3"
)

type objectStoreMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

// NewObjectStoreMetrics creates a Prometheus-backed s3.Metrics. Returns nil
// when metrics are disabled.
func NewObjectStoreMetrics() s3store.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &objectStoreMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "qm_objectstore_operations_total",
				Help: "Total object store operations, by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "qm_objectstore_operation_duration_milliseconds",
				Help: "Object store operation duration in milliseconds",
				Buckets: []float64{
					10,    // head requests
					50,    //
					100,   //
					500,   //
					1000,  // 1s
					5000,  // 5s - small uploads
					30000, // 30s - large uploads
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "qm_objectstore_bytes_transferred_total",
				Help: "Total bytes transferred to the object store",
			},
			[]string{"operation"},
		),
	}
}

func (m *objectStoreMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds() * 1000)
}

func (m *objectStoreMetrics) RecordBytes(operation string, bytes int64) {
	if bytes <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(operation).Add(float64(bytes))
}
