// Package metrics provides Prometheus instrumentation for the Loop realtime
// layer. It exposes gauges for connection and presence counts, counters for
// event fan-out outcomes, and a histogram for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loop_realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of distinct online users.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loop_realtime_online_users",
		Help: "Current number of distinct users with at least one connection",
	})

	// EventsDelivered counts push events written to a connection, labeled by
	// event type: "newMessage", "newNotification", "displayTyping".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loop_realtime_events_delivered_total",
		Help: "Total number of realtime events delivered to connections",
	}, []string{"type"})

	// EventsDropped counts push events that could not be written. Dropped
	// events are never retried; the REST record remains the source of truth.
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loop_realtime_events_dropped_total",
		Help: "Total number of realtime events dropped on delivery failure",
	}, []string{"type"})

	// FanoutLatency records the time to fan one event out to all of a
	// recipient's connections.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "loop_realtime_fanout_latency_seconds",
		Help:    "Latency of delivering one event to all connections of its recipient",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// AuthFailures counts rejected WebSocket handshakes.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loop_realtime_auth_failures_total",
		Help: "Total number of WebSocket handshakes rejected for bad credentials",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsDelivered,
		EventsDropped,
		FanoutLatency,
		AuthFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
