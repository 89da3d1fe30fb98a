package metrics

import (
	"net/http"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signal_relay"

// Relay holds relay collectors. A nil *Relay is valid and records nothing.
type Relay struct {
	reg *prometheus.Registry

	sessions         prometheus.Gauge
	rooms            prometheus.GaugeFunc
	rejections       *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	dropped          prometheus.Counter
	ignored          *prometheus.CounterVec
	analyticsDropped prometheus.Counter
}

// New registers relay collectors on a fresh registry. roomCount reports the
// number of live rooms at scrape time.
func New(roomCount func() int) *Relay {
	m := &Relay{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Confirmed signaling sessions.",
		}),
		rooms: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms held by the registry.",
		}, func() float64 {
			return float64(roomCount())
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_rejected_total",
			Help:      "Rejected subscriptions by reason.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast messages by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Per-recipient deliveries dropped because the outbox was full.",
		}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_ignored_total",
			Help:      "Inbound actions dropped by policy.",
		}, []string{"action"}),
		analyticsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_events_dropped_total",
			Help:      "Analytics events dropped because the queue was full.",
		}),
	}
	m.reg.MustRegister(
		m.sessions,
		m.rooms,
		m.rejections,
		m.broadcasts,
		m.dropped,
		m.ignored,
		m.analyticsDropped,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Relay) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Relay) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Relay) Rejected(reason model.RejectReason) {
	if m != nil {
		m.rejections.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Relay) Broadcast(msgType string, dropped int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(msgType).Inc()
	if dropped > 0 {
		m.dropped.Add(float64(dropped))
	}
}

func (m *Relay) Ignored(action string) {
	if m != nil {
		m.ignored.WithLabelValues(action).Inc()
	}
}

func (m *Relay) AnalyticsDropped() {
	if m != nil {
		m.analyticsDropped.Inc()
	}
}
