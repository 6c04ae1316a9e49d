// Package metrics exposes Prometheus instrumentation for the call monitor,
// the state machine and the phonebook refresher. All methods are safe to
// call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fritz_mqtt"

// Metrics holds every collector the service registers.
type Metrics struct {
	registry *prometheus.Registry

	linesReceived    prometheus.Counter
	linesDropped     prometheus.Counter
	parseErrors      prometheus.Counter
	monitorConnected prometheus.Gauge
	reconnects       prometheus.Counter

	snapshots        *prometheus.CounterVec
	snapshotsDropped prometheus.Counter
	activeSessions   prometheus.Gauge

	phonebookRefresh *prometheus.CounterVec
	phonebookNumbers prometheus.Gauge
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_lines_received_total",
			Help:      "Call-monitor lines read from the router.",
		}),
		linesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_lines_dropped_total",
			Help:      "Call-monitor lines dropped because the queue was full.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_parse_errors_total",
			Help:      "Call-monitor lines that could not be parsed.",
		}),
		monitorConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_connected",
			Help:      "1 while the call-monitor socket is connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_reconnects_total",
			Help:      "Reconnect attempts to the call-monitor port.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_snapshots_total",
			Help:      "Call session snapshots emitted, by state.",
		}, []string{"state"}),
		snapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_snapshots_dropped_total",
			Help:      "Snapshots dropped because the sink buffer was full.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "call_sessions_active",
			Help:      "Call sessions currently tracked.",
		}),
		phonebookRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phonebook_fetches_total",
			Help:      "Phonebook network fetches, by result.",
		}, []string{"result"}),
		phonebookNumbers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phonebook_numbers",
			Help:      "Numbers in the current phonebook index.",
		}),
	}

	m.registry.MustRegister(
		m.linesReceived,
		m.linesDropped,
		m.parseErrors,
		m.monitorConnected,
		m.reconnects,
		m.snapshots,
		m.snapshotsDropped,
		m.activeSessions,
		m.phonebookRefresh,
		m.phonebookNumbers,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LineReceived() {
	if m == nil {
		return
	}
	m.linesReceived.Inc()
}

func (m *Metrics) LineDropped() {
	if m == nil {
		return
	}
	m.linesDropped.Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// SetConnected records whether the monitor socket is up.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.monitorConnected.Set(1)
	} else {
		m.monitorConnected.Set(0)
	}
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Snapshot counts one emitted snapshot in the given state.
func (m *Metrics) Snapshot(state string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(state).Inc()
}

func (m *Metrics) SnapshotDropped() {
	if m == nil {
		return
	}
	m.snapshotsDropped.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// PhonebookFetch counts a phonebook fetch and, on success, the size of the
// resulting index.
func (m *Metrics) PhonebookFetch(err error, numbers int) {
	if m == nil {
		return
	}
	if err != nil {
		m.phonebookRefresh.WithLabelValues("error").Inc()
		return
	}
	m.phonebookRefresh.WithLabelValues("success").Inc()
	m.phonebookNumbers.Set(float64(numbers))
}
