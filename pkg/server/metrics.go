package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the connection layer.
type Metrics struct {
	activeConns prometheus.Gauge
	upgrades    prometheus.Counter
	messages    *prometheus.CounterVec
	readErrors  prometheus.Counter
}

// NewMetrics registers server metrics on reg. If reg is nil the default
// registerer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pushwire",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Live WebSocket connections.",
		}),
		upgrades: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "server",
			Name:      "upgrades_total",
			Help:      "Successful WebSocket upgrades.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "server",
			Name:      "messages_total",
			Help:      "Inbound messages by event type.",
		}, []string{"event"}),
		readErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "server",
			Name:      "read_errors_total",
			Help:      "WebSocket read failures.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.upgrades.Inc()
	m.activeConns.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) message(event string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(event).Inc()
}

func (m *Metrics) readError() {
	if m == nil {
		return
	}
	m.readErrors.Inc()
}
