package commander

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments dispatch activity. Create one per registry and share
// it across commanders; registering two Metrics on the same registry panics
// (prometheus semantics).
type Metrics struct {
	dispatches       prometheus.Counter
	acks             prometheus.Counter
	denies           prometheus.Counter
	faults           *prometheus.CounterVec
	activeTasks      prometheus.Gauge
	dispatchDuration prometheus.Histogram
}

// NewMetrics registers commander metrics on reg. If reg is nil the default
// registerer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		dispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "commander",
			Name:      "dispatches_total",
			Help:      "Events dispatched to handlers.",
		}),
		acks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "commander",
			Name:      "acks_total",
			Help:      "Completion acknowledgments sent to peers.",
		}),
		denies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "commander",
			Name:      "denies_total",
			Help:      "Dispatches short-circuited by a before-hook.",
		}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "commander",
			Name:      "faults_total",
			Help:      "Dispatch faults by kind.",
		}, []string{"kind"}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pushwire",
			Subsystem: "commander",
			Name:      "active_tasks",
			Help:      "Dispatch tasks currently running.",
		}),
		dispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pushwire",
			Subsystem: "commander",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of event dispatches.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) dispatchStarted() {
	if m == nil {
		return
	}
	m.dispatches.Inc()
	m.activeTasks.Inc()
}

func (m *Metrics) dispatchFinished(seconds float64) {
	if m == nil {
		return
	}
	m.activeTasks.Dec()
	m.dispatchDuration.Observe(seconds)
}

func (m *Metrics) ackSent() {
	if m == nil {
		return
	}
	m.acks.Inc()
}

func (m *Metrics) denied() {
	if m == nil {
		return
	}
	m.denies.Inc()
}

func (m *Metrics) fault(kind string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(kind).Inc()
}
