// Package metrics holds the prometheus collectors shared by the client packages.
// Collectors are usable without registration; binaries call Register once.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PollTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_poll_ticks_total",
		Help: "Total probes issued by polling subscriptions (immediate probe included).",
	}, []string{"name"})
	PollFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_poll_probe_failures_total",
		Help: "Total probe failures; the cursor is kept and the next tick retries.",
	}, []string{"name"})
	PollItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_poll_items_total",
		Help: "Total items delivered to subscription callbacks.",
	}, []string{"name"})
	PollDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_poll_discarded_total",
		Help: "Total probe results dropped because the subscription stopped while in flight.",
	}, []string{"name"})
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_poll_active_subscriptions",
		Help: "Current live polling subscriptions (approx).",
	})

	HeartbeatBeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_heartbeat_beats_total",
		Help: "Total heartbeat actions invoked.",
	}, []string{"name"})
	HeartbeatFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_heartbeat_failures_total",
		Help: "Total heartbeat actions that failed (swallowed).",
	}, []string{"name"})

	BridgeEmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_bridge_emits_total",
		Help: "Total events emitted on the bridge.",
	})
	BridgeRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_bridge_rejected_total",
		Help: "Total emits rejected for a malformed event name.",
	})
	BridgeListenerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_bridge_listener_panics_total",
		Help: "Total listener panics recovered during delivery.",
	})
	ForwardDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_forward_dropped_total",
		Help: "Total events dropped because the forward queue was full.",
	})
	ForwardFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_forward_publish_failures_total",
		Help: "Total events the publisher failed to deliver.",
	})

	StreamFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_stream_frames_total",
		Help: "Total websocket frames decoded by stream probes.",
	}, []string{"name"})
	StreamDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_stream_dropped_total",
		Help: "Total frames dropped (undecodable, or oldest evicted from a full buffer).",
	}, []string{"name"})
	StreamReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_stream_reconnects_total",
		Help: "Total websocket reconnect attempts made by stream probes.",
	}, []string{"name"})

	GatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_gateway_requests_total",
		Help: "Total gateway requests by method and outcome.",
	}, []string{"method", "outcome"})
	GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collab_gateway_request_seconds",
		Help:    "Gateway request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_gateway_breaker_open_total",
		Help: "Total times a circuit breaker opened for a resource.",
	})
	BreakerDrop = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_gateway_breaker_drop_total",
		Help: "Total requests rejected locally because the breaker was open.",
	})
)

func Register() {
	prometheus.MustRegister(
		PollTicks, PollFailures, PollItems, PollDiscarded, ActiveSubscriptions,
		HeartbeatBeats, HeartbeatFailures,
		BridgeEmits, BridgeRejected, BridgeListenerPanics, ForwardDropped, ForwardFailures,
		StreamFrames, StreamDropped, StreamReconnects,
		GatewayRequests, GatewayLatency, BreakerOpen, BreakerDrop,
	)
}
