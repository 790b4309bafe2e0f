package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's prometheus collectors.
type Metrics struct {
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	pushes      *prometheus.CounterVec
	rejections  *prometheus.CounterVec
}

// NewMetrics creates the collectors on registry; nil leaves them unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cupid_gateway_connections",
			Help: "Live authenticated websocket connections",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cupid_gateway_online_users",
			Help: "Users holding at least one live connection",
		}),
		pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cupid_gateway_pushes_total",
			Help: "Frames accepted by connection send queues, by event",
		}, []string{"event"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cupid_gateway_rejections_total",
			Help: "Client operations rejected, by ack code",
		}, []string{"code"}),
	}
}

func (m *Metrics) observeCounts(users, connections int) {
	m.onlineUsers.Set(float64(users))
	m.connections.Set(float64(connections))
}
