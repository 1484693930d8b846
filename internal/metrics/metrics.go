// Package metrics defines the Prometheus instruments exposed on the metrics
// endpoint. All collectors are registered at init via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks currently open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_connections",
		Help: "Number of currently open WebSocket connections.",
	})

	// ConnectionsTotal counts accepted WebSocket upgrades.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "Total number of accepted WebSocket connections.",
	})

	// AuthFailuresTotal counts refused upgrades by reason.
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Total number of refused connection attempts by reason.",
	}, []string{"reason"})

	// QueueSize tracks waiting-pool depth per mode, sampled periodically.
	QueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_queue_size",
		Help: "Number of users waiting in the matchmaking pool.",
	}, []string{"mode"})

	// ActivePairings tracks currently live pairings.
	ActivePairings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_pairings",
		Help: "Number of currently active pairings.",
	})

	// MatchesTotal counts formed pairings per mode.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_matches_total",
		Help: "Total number of pairings formed.",
	}, []string{"mode"})

	// MessagesTotal counts relayed chat messages.
	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages relayed.",
	})

	// MessagesBlockedTotal counts messages stopped by the content filter.
	MessagesBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_blocked_total",
		Help: "Total number of chat messages blocked by the content filter.",
	}, []string{"reason"})

	// RevealGrantsTotal counts reveal grants (both sides opted in).
	RevealGrantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_reveal_grants_total",
		Help: "Total number of granted identity reveals.",
	})

	// RateLimitedTotal counts rejected actions per scope.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Total number of rate-limited actions by scope.",
	}, []string{"scope"})

	// MessageHandleDuration observes inbound message handling latency.
	MessageHandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_message_handle_duration_seconds",
		Help:    "Time spent handling an inbound message.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
