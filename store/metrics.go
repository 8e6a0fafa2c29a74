package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionsync/metric"
)

// storeMetrics holds Prometheus metrics for the canonical event store.
type storeMetrics struct {
	residentEvents   prometheus.Gauge
	residentSessions prometheus.Gauge
	evictedSessions  prometheus.Counter
	corrections      prometheus.Counter
}

// newStoreMetrics creates and registers store metrics.
func newStoreMetrics(registry *metric.Registry) (*storeMetrics, error) {
	m := &storeMetrics{
		residentEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessionsync",
			Subsystem: "store",
			Name:      "resident_events",
			Help:      "Current resident event count",
		}),
		residentSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessionsync",
			Subsystem: "store",
			Name:      "resident_sessions",
			Help:      "Current resident session count",
		}),
		evictedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "store",
			Name:      "evicted_sessions_total",
			Help:      "Total sessions pruned by the resident-count bound",
		}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "store",
			Name:      "partial_corrections_total",
			Help:      "Total stuck streaming events force-completed",
		}),
	}

	if err := registry.RegisterGauge("store", "resident_events", m.residentEvents); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("store", "resident_sessions", m.residentSessions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("store", "evicted_sessions_total", m.evictedSessions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("store", "partial_corrections_total", m.corrections); err != nil {
		return nil, err
	}

	return m, nil
}
