package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orgchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	OpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orgchat_open_connections",
			Help: "Currently open websocket connections",
		},
	)

	EventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgchat_events_routed_total",
			Help: "Real-time events delivered to live connections",
		},
		[]string{"kind"},
	)

	DroppedConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orgchat_dropped_connections_total",
			Help: "Connections closed because the send buffer overflowed",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgchat_presence_transitions_total",
			Help: "Aggregated presence flips",
		},
		[]string{"status"},
	)

	// Store metrics
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orgchat_messages_appended_total",
			Help: "Messages persisted to the store",
		},
	)

	DirectDedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orgchat_direct_dedup_hits_total",
			Help: "Direct-conversation creations resolved to an existing pair",
		},
	)
)
