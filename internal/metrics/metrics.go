// Package metrics exposes vehicle command and connection metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roman-kulish/uavctl/internal/command"
)

const namespace = "uavctl"

// Metrics holds the collectors of a single process
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	estimatorResets *prometheus.CounterVec
	connected       *prometheus.GaugeVec
	collisions      prometheus.Counter
}

// New creates the collectors and registers them on a dedicated registry
func New() *Metrics {
	m := Metrics{
		registry: prometheus.NewRegistry(),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands issued to the vehicle, by outcome.",
		}, []string{"backend", "command", "outcome"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from issuing a command to its confirmation or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"backend", "command"}),

		estimatorResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimator_resets_total",
			Help:      "State estimator resets, by outcome.",
		}, []string{"outcome"}),

		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_connected",
			Help:      "1 while the vehicle backend is connected.",
		}, []string{"backend"}),

		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collisions_total",
			Help:      "Collision checks that reported a collision.",
		}),
	}

	m.registry.MustRegister(m.commands, m.commandDuration, m.estimatorResets, m.connected, m.collisions)
	return &m
}

// ObserveCommand records the outcome and duration of a command
func (m *Metrics) ObserveCommand(backend, name string, outcome command.Outcome, elapsed time.Duration) {
	m.commands.WithLabelValues(backend, name, outcome.String()).Inc()
	m.commandDuration.WithLabelValues(backend, name).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveEstimatorReset(outcome command.Outcome) {
	m.estimatorResets.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) SetConnected(backend string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(backend).Set(v)
}

func (m *Metrics) IncCollisions() {
	m.collisions.Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
