package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gateway collectors. A nil *Metrics disables them.
type Metrics struct {
	sessions prometheus.Gauge
	events   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whisper", Subsystem: "ws", Name: "active_sessions",
			Help: "Open websocket sessions on this instance.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whisper", Subsystem: "ws", Name: "events_total",
			Help: "Inbound websocket events by type and outcome.",
		}, []string{"type", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.events)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) event(typ, result string) {
	if m != nil {
		m.events.WithLabelValues(typ, result).Inc()
	}
}
