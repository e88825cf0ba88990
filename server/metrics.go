package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herochat_connections_accepted_total",
			Help: "Number of accepted TCP connections",
		},
	)
	handshakesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herochat_handshakes_accepted_total",
			Help: "Number of successful authentication handshakes",
		},
	)
	handshakesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herochat_handshakes_rejected_total",
			Help: "Number of rejected authentication handshakes",
		},
	)
	messagesRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herochat_messages_routed_total",
			Help: "Number of messages forwarded to a live session",
		},
	)
	deliveriesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herochat_deliveries_failed_total",
			Help: "Number of messages that could not be delivered",
		},
	)
	probesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herochat_probes_failed_total",
			Help: "Number of liveness probes that dropped a session",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herochat_active_sessions",
			Help: "Number of live authenticated sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		connectionsAccepted,
		handshakesAccepted,
		handshakesRejected,
		messagesRouted,
		deliveriesFailed,
		probesFailed,
		activeSessions,
	)
}
