package reconnect

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionsync/metric"
)

// controllerMetrics holds Prometheus metrics for the connection legs.
type controllerMetrics struct {
	dialFailures  *prometheus.CounterVec
	connectedLegs *prometheus.GaugeVec
}

// newControllerMetrics creates and registers controller metrics.
func newControllerMetrics(registry *metric.Registry) (*controllerMetrics, error) {
	m := &controllerMetrics{
		dialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "reconnect",
			Name:      "dial_failures_total",
			Help:      "Total failed connection attempts per leg",
		}, []string{"leg"}),
		connectedLegs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessionsync",
			Subsystem: "reconnect",
			Name:      "connected",
			Help:      "Whether the leg currently holds a live connection",
		}, []string{"leg"}),
	}

	if err := registry.RegisterCounterVec("reconnect", "dial_failures_total", m.dialFailures); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("reconnect", "connected", m.connectedLegs); err != nil {
		return nil, err
	}

	return m, nil
}
