package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments bridge activity. Create one per registry; registering
// two Metrics on the same registry panics (prometheus semantics).
type Metrics struct {
	pushes           prometheus.Counter
	broadcasts       prometheus.Counter
	replies          prometheus.Counter
	timeouts         prometheus.Counter
	discardedReplies prometheus.Counter
	pendingCalls     prometheus.Gauge
}

// NewMetrics registers bridge metrics on reg. If reg is nil the default
// registerer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		pushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "bridge",
			Name:      "pushes_total",
			Help:      "Messages pushed to single connections.",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "bridge",
			Name:      "broadcasts_total",
			Help:      "Messages broadcast to topics.",
		}),
		replies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "bridge",
			Name:      "replies_total",
			Help:      "Correlated replies delivered to waiting callers.",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "bridge",
			Name:      "timeouts_total",
			Help:      "Push-and-wait calls that timed out.",
		}),
		discardedReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pushwire",
			Subsystem: "bridge",
			Name:      "discarded_replies_total",
			Help:      "Replies that arrived after their call was resolved.",
		}),
		pendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pushwire",
			Subsystem: "bridge",
			Name:      "pending_calls",
			Help:      "In-flight push-and-wait calls.",
		}),
	}
}
