// Package metrics provides Prometheus instrumentation for the group chat
// engine: connection and group gauges, command and event counters, and
// latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks currently registered sockets.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_connections_active",
		Help: "Current number of registered WebSocket connections",
	})

	// ConnectionsRejected counts sockets closed before Open, by reason.
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_connections_rejected_total",
		Help: "Connections rejected during handshake",
	}, []string{"reason"}) // reason = "auth", "forbidden", "not_found", "capacity", "shutdown", "error"

	// GroupsActive tracks groups with at least one registered connection. The
	// gateway is its only writer.
	GroupsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_groups_active",
		Help: "Current number of groups with online users",
	})

	// CommandsTotal counts inbound commands by type and outcome.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_commands_total",
		Help: "Inbound socket commands processed",
	}, []string{"type", "result"}) // result = "ok", "invalid", "store_error", "rate_limited", "forbidden"

	// CommandLatency records command handling latency in seconds.
	CommandLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupchat_command_latency_seconds",
		Help:    "Command handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// EventsPublished counts fan-outs by event type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_events_published_total",
		Help: "Outbound events fanned out to a group",
	}, []string{"type"})

	// DeliveryFailures counts per-connection send failures during fan-out.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_delivery_failures_total",
		Help: "Per-connection send failures during broadcast",
	})

	// FanoutSize records how many connections one publish reached.
	FanoutSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupchat_fanout_size",
		Help:    "Connections targeted per publish",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_messages_total",
		Help: "Chat messages processed",
	}, []string{"type"}) // type = "sent", "blocked"

	// TypingExpired counts typing entries removed by the sweeper.
	TypingExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_typing_expired_total",
		Help: "Typing indicators cleared by expiry",
	})

	// PushRequests counts push notifications handed to NATS, by result.
	PushRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_push_requests_total",
		Help: "Offline push requests published",
	}, []string{"result"}) // result = "ok", "error"
)

// ReportsFiled counts abuse reports by reason.
var ReportsFiled = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "groupchat_reports_filed_total",
	Help: "Abuse reports filed against messages",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsRejected,
		GroupsActive,
		CommandsTotal,
		CommandLatency,
		EventsPublished,
		DeliveryFailures,
		FanoutSize,
		MessagesTotal,
		TypingExpired,
		PushRequests,
		ReportsFiled,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
