package dedup

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionsync/metric"
)

// cacheMetrics holds Prometheus metrics for the fingerprint cache.
type cacheMetrics struct {
	duplicates prometheus.Counter
	admissions prometheus.Counter
	evictions  prometheus.Counter
	size       prometheus.Gauge
}

// newCacheMetrics creates and registers fingerprint cache metrics.
func newCacheMetrics(registry *metric.Registry) (*cacheMetrics, error) {
	m := &cacheMetrics{
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "dedup",
			Name:      "duplicates_total",
			Help:      "Total duplicate fingerprints reported within the window",
		}),
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "dedup",
			Name:      "admissions_total",
			Help:      "Total fingerprints admitted as new",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "dedup",
			Name:      "evictions_total",
			Help:      "Total fingerprints evicted past the entry cap",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessionsync",
			Subsystem: "dedup",
			Name:      "resident_entries",
			Help:      "Current resident fingerprint count",
		}),
	}

	if err := registry.RegisterCounter("dedup", "duplicates_total", m.duplicates); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dedup", "admissions_total", m.admissions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dedup", "evictions_total", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("dedup", "resident_entries", m.size); err != nil {
		return nil, err
	}

	return m, nil
}
