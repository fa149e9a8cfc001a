// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the Prometheus registry used by this package
	Registry = prometheus.NewRegistry()

	// SessionsActive counts IRC sessions currently attached
	SessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "imgate_sessions_active",
			Help: "Number of attached IRC sessions",
		},
	)

	// SessionsTotal counts accepted IRC sessions
	SessionsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "imgate_sessions_total",
			Help: "Total number of accepted IRC sessions",
		},
	)

	// Messages counts chat messages crossing the gateway
	Messages = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgate_messages_total",
			Help: "Chat messages relayed, by direction",
		},
		[]string{"direction"},
	)

	// DCCTransfers counts finished DCC transfers
	DCCTransfers = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgate_dcc_transfers_total",
			Help: "Finished DCC transfers by kind and result",
		},
		[]string{"kind", "result"},
	)

	// DCCBytes counts bytes moved over DCC sockets
	DCCBytes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgate_dcc_bytes_total",
			Help: "Bytes moved over DCC sockets by kind",
		},
		[]string{"kind"},
	)

	// ControlMessages counts multiplexer control messages by kind
	ControlMessages = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgate_control_messages_total",
			Help: "Control messages dispatched by the session multiplexer",
		},
		[]string{"kind"},
	)
)

// Direction labels for Messages.
const (
	IRCToIM = "irc_to_im"
	IMToIRC = "im_to_irc"
)

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(
		Registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
}
