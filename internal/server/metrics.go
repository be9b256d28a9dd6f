package server

import (
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jim_connections_total",
		Help: "TCP connections accepted by the processor.",
	})
	framesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jim_frames_total",
		Help: "Frames decoded and dispatched.",
	})
	messagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jim_messages_routed_total",
		Help: "Directed messages forwarded to a bound destination.",
	})
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jim_auth_failures_total",
		Help: "Rejected handshakes: unknown account, name in use, or wrong password.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jim_active_sessions",
		Help: "Currently bound sessions.",
	})
)

// remoteHostPort splits a peer address into host and numeric port for the
// login records.
func remoteHostPort(conn net.Conn) (string, int) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
