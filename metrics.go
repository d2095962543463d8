package xmqtt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the broker's Prometheus collectors. All record methods are
// nil-safe so the core can run without a registry (tests, embedded use).
type metrics struct {
	connections       prometheus.Gauge
	sessionsParked    prometheus.Gauge
	packetsIn         prometheus.Counter
	packetsOut        prometheus.Counter
	messagesRouted    prometheus.Counter
	retainedMessages  prometheus.Gauge
	keepaliveExpiries prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "xmqtt",
			Name:      "connections",
			Help:      "Number of currently open client connections.",
		}),
		sessionsParked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "xmqtt",
			Name:      "sessions_parked",
			Help:      "Number of non-clean sessions parked in the offline store.",
		}),
		packetsIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "xmqtt",
			Name:      "packets_received_total",
			Help:      "Total MQTT control packets received.",
		}),
		packetsOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "xmqtt",
			Name:      "packets_sent_total",
			Help:      "Total MQTT control packets sent.",
		}),
		messagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "xmqtt",
			Name:      "messages_routed_total",
			Help:      "Total message deliveries fanned out to subscribers.",
		}),
		retainedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "xmqtt",
			Name:      "retained_messages",
			Help:      "Number of topics currently holding a retained message.",
		}),
		keepaliveExpiries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "xmqtt",
			Name:      "keepalive_expiries_total",
			Help:      "Connections force-closed by the keepalive watchdog.",
		}),
	}
}

func (m *metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *metrics) parked(delta int) {
	if m != nil {
		m.sessionsParked.Add(float64(delta))
	}
}

func (m *metrics) packetIn() {
	if m != nil {
		m.packetsIn.Inc()
	}
}

func (m *metrics) packetOut() {
	if m != nil {
		m.packetsOut.Inc()
	}
}

func (m *metrics) routed() {
	if m != nil {
		m.messagesRouted.Inc()
	}
}

func (m *metrics) retainedAdd(delta int) {
	if m != nil {
		m.retainedMessages.Add(float64(delta))
	}
}

func (m *metrics) keepaliveExpired() {
	if m != nil {
		m.keepaliveExpiries.Inc()
	}
}
