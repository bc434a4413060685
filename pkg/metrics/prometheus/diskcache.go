package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/quartermaster/pkg/diskcache"
	"github.com/marmos91/quartermaster/pkg/metrics"
)

type diskCacheMetrics struct {
	hitsTotal    prometheus.Counter
	missesTotal  prometheus.Counter
	evictedBytes prometheus.Counter
	sizeBytes    prometheus.Gauge
}

// NewDiskCacheMetrics creates a Prometheus-backed diskcache.Metrics.
// Returns nil when metrics are disabled.
func NewDiskCacheMetrics() diskcache.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &diskCacheMetrics{
		hitsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "qm_diskcache_hits_total",
				Help: "Lookups answered from the local disk cache",
			},
		),
		missesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "qm_diskcache_misses_total",
				Help: "Lookups that had to run the fetcher",
			},
		),
		evictedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "qm_diskcache_evicted_bytes_total",
				Help: "Bytes removed by eviction to stay within the budget",
			},
		),
		sizeBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "qm_diskcache_size_bytes",
				Help: "Total bytes currently held in the disk cache",
			},
		),
	}
}

func (m *diskCacheMetrics) RecordHit() {
	m.hitsTotal.Inc()
}

func (m *diskCacheMetrics) RecordMiss() {
	m.missesTotal.Inc()
}

func (m *diskCacheMetrics) RecordEviction(bytes uint64) {
	m.evictedBytes.Add(float64(bytes))
}

func (m *diskCacheMetrics) RecordSize(bytes uint64) {
	m.sizeBytes.Set(float64(bytes))
}
