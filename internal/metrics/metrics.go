// Package metrics provides Prometheus instrumentation for the livechat
// servers. It exposes gauges for connections and subscriptions, counters for
// handshakes, broadcasts and presence transitions, and a histogram for
// frame handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// HandshakesTotal counts connection attempts by outcome:
	// "admitted", "rejected", "overloaded".
	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_handshakes_total",
		Help: "WebSocket handshakes by outcome",
	}, []string{"result"})

	// SubscriptionsActive tracks local (connection, destination) subscriptions.
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_subscriptions_active",
		Help: "Current number of destination subscriptions on this node",
	})

	// BroadcastsTotal counts outbound broadcasts by destination kind
	// ("presence", "chat") and result ("published", "failed").
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_broadcasts_total",
		Help: "Broadcasts published to the message bus",
	}, []string{"kind", "result"})

	// DeliveriesTotal counts frames written to local subscribers.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_deliveries_total",
		Help: "Frames delivered to local subscribers",
	}, []string{"result"})

	// PresenceTransitionsTotal counts online/offline transitions by source
	// ("login", "heartbeat", "logout", "expiry").
	PresenceTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_presence_transitions_total",
		Help: "Presence state transitions",
	}, []string{"state", "source"})

	// ExpirationsTotal counts expired keys seen by the notifier by result:
	// "processed", "ignored", "malformed", "failed".
	ExpirationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_expirations_total",
		Help: "Expired presence keys handled by the notifier",
	}, []string{"result"})

	// ChatEventsTotal counts chat lifecycle events by type.
	ChatEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_chat_events_total",
		Help: "Chat lifecycle events broadcast",
	}, []string{"type"})

	// MessagesBlockedTotal counts messages rejected by content screening,
	// by reason.
	MessagesBlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_messages_blocked_total",
		Help: "Chat messages rejected by content screening",
	}, []string{"reason"})

	// FrameLatency records client frame handling latency in seconds.
	FrameLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livechat_frame_latency_seconds",
		Help:    "Client frame handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		HandshakesTotal,
		SubscriptionsActive,
		BroadcastsTotal,
		DeliveriesTotal,
		PresenceTransitionsTotal,
		ExpirationsTotal,
		ChatEventsTotal,
		MessagesBlockedTotal,
		FrameLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
