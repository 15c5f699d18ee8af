package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the realtime prometheus series. A nil *Metrics is valid and records nothing.
type Metrics struct {
	onlineUsers   prometheus.Gauge
	connections   prometheus.Gauge
	sent          prometheus.Counter
	deleted       prometheus.Counter
	pushes        *prometheus.CounterVec
	typingRelayed prometheus.Counter
}

// NewMetrics creates and registers the realtime series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_online_users",
			Help: "Number of user identities with a registered live connection.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_ws_connections",
			Help: "Number of open websocket connections.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_messages_sent_total",
			Help: "Messages persisted through the delivery channel.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_messages_deleted_total",
			Help: "Messages deleted by their sender.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_push_total",
			Help: "Server pushes to live connections by event and result.",
		}, []string{"event", "result"}),
		typingRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_typing_relayed_total",
			Help: "Typing signals forwarded to a live recipient.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.onlineUsers, m.connections, m.sent, m.deleted, m.pushes, m.typingRelayed)
	}
	return m
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) messageSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

func (m *Metrics) messageDeleted() {
	if m == nil {
		return
	}
	m.deleted.Inc()
}

func (m *Metrics) typing() {
	if m == nil {
		return
	}
	m.typingRelayed.Inc()
}

func (m *Metrics) push(event string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "dropped"
	}
	m.pushes.WithLabelValues(event, result).Inc()
}
