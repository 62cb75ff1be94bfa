package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "justserve"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total control API requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Control API request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10},
	}, []string{"method", "path"})

	SessionStartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_starts_total",
		Help:      "Session start operations by kind and result.",
	}, []string{"kind", "result"})

	PortRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_port_retries_total",
		Help:      "Automatic retries after a port conflict.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "1 while a serve or tunnel session is active.",
	})

	P2PSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "p2p_sessions_total",
		Help:      "P2P sessions established by role.",
	}, []string{"role"})

	PushEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_events_total",
		Help:      "Backend push events delivered by category.",
	}, []string{"category"})

	DiscoveryRoundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_rounds_total",
		Help:      "Peer discovery rounds by outcome.",
	}, []string{"result"})

	DiscoveredPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "discovered_peers",
		Help:      "Peers returned by the most recent discovery round.",
	})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open control API websocket connections.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SessionStartsTotal,
		PortRetriesTotal,
		ActiveSessions,
		P2PSessionsTotal,
		PushEventsTotal,
		DiscoveryRoundsTotal,
		DiscoveredPeers,
		WSConnections,
	)
}
