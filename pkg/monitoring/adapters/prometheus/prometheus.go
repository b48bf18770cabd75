// Package prometheus implements monitoring.Sink against a prometheus
// registry, grounded on the same CounterVec/GaugeVec registration pattern
// as the pack's other Prometheus users (one static vector per metric name,
// registered once at construction, looked up by label set on every
// Observe/Alert call).
package prometheus

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/monitoring"
)

// Sink forwards monitoring.Signal and monitoring.Alert values onto
// Prometheus gauges and counters.
type Sink struct {
	registry *prometheus.Registry

	gauges *prometheus.GaugeVec
	alerts *prometheus.CounterVec
}

// New creates a Sink and registers its metrics on registry. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer's registry to expose via the default
// /metrics handler.
func New(registry *prometheus.Registry) *Sink {
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "notification_pipeline",
		Subsystem: "monitoring",
		Name:      "signal",
		Help:      "Latest value observed for a pipeline signal.",
	}, []string{"kind"})

	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notification_pipeline",
		Subsystem: "monitoring",
		Name:      "alerts_total",
		Help:      "Count of alerts raised by rule and severity.",
	}, []string{"rule", "severity"})

	registry.MustRegister(gauges, alerts)

	return &Sink{registry: registry, gauges: gauges, alerts: alerts}
}

func (s *Sink) Observe(ctx context.Context, sig monitoring.Signal) {
	s.gauges.WithLabelValues(string(sig.Kind)).Set(sig.Value)
}

func (s *Sink) Alert(ctx context.Context, a monitoring.Alert) {
	s.alerts.WithLabelValues(a.Rule, string(a.Severity)).Inc()
}

// Registry returns the underlying registry, e.g. to mount
// promhttp.HandlerFor(sink.Registry(), ...) on an HTTP server.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}
