package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionsync/metric"
)

// pipelineMetrics holds Prometheus metrics for ingestion flow.
type pipelineMetrics struct {
	received          prometheus.Counter
	duplicates        prometheus.Counter
	admitted          prometheus.Counter
	errors            prometheus.Counter
	broadcastFailures prometheus.Counter
}

// newPipelineMetrics creates and registers pipeline metrics.
func newPipelineMetrics(registry *metric.Registry) (*pipelineMetrics, error) {
	m := &pipelineMetrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "ingest",
			Name:      "received_total",
			Help:      "Total raw deliveries entering the pipeline",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Total deliveries dropped by the fingerprint check",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "ingest",
			Name:      "admitted_total",
			Help:      "Total events unified into the store",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "ingest",
			Name:      "errors_total",
			Help:      "Total transport and processing diagnostics",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "ingest",
			Name:      "broadcast_failures_total",
			Help:      "Total failed broker mirror publications",
		}),
	}

	for name, counter := range map[string]prometheus.Counter{
		"received_total":           m.received,
		"duplicates_total":         m.duplicates,
		"admitted_total":           m.admitted,
		"errors_total":             m.errors,
		"broadcast_failures_total": m.broadcastFailures,
	} {
		if err := registry.RegisterCounter("ingest", name, counter); err != nil {
			return nil, err
		}
	}

	return m, nil
}
