// Package metrics holds the Prometheus collectors of the bridge. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ohbridge"

type Metrics struct {
	registry *prometheus.Registry

	frames           *prometheus.CounterVec
	parseErrors      prometheus.Counter
	connectionErrors *prometheus.CounterVec
	reconnects       prometheus.Counter
	connected        prometheus.Gauge
	commands         *prometheus.CounterVec
	fires            *prometheus.CounterVec
	ends             *prometheus.CounterVec
	watchMessages    *prometheus.CounterVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Item event frames received from the hub",
		}, []string{"type"}),

		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "parse_errors_total",
			Help:      "Frames dropped because they could not be parsed",
		}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_errors_total",
			Help:      "Event stream failures by classification",
		}, []string{"kind"}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a retryable failure",
		}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while the event stream is open",
		}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Item updates and commands sent to the hub",
		}, []string{"kind", "result"}),

		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "fires_total",
			Help:      "Trigger fires",
		}, []string{"node"}),

		ends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "ends_total",
			Help:      "After-trigger end messages",
		}, []string{"node"}),

		watchMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "messages_total",
			Help:      "Messages emitted by state-watch nodes",
		}, []string{"node"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.frames,
		m.parseErrors,
		m.connectionErrors,
		m.reconnects,
		m.connected,
		m.commands,
		m.fires,
		m.ends,
		m.watchMessages,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) ConnectionError(kind string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) Command(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) TriggerFired(node string) {
	if m == nil {
		return
	}
	m.fires.WithLabelValues(node).Inc()
}

func (m *Metrics) TriggerEnded(node string) {
	if m == nil {
		return
	}
	m.ends.WithLabelValues(node).Inc()
}

func (m *Metrics) WatchEmitted(node string) {
	if m == nil {
		return
	}
	m.watchMessages.WithLabelValues(node).Inc()
}
