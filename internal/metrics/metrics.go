// Package metrics exposes Prometheus instrumentation for the client's
// send/receive pipeline, following the same promauto-registered
// package-level vector style the relay server uses.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librelay_messages_sent_total",
			Help: "Total number of outgoing messages sent per recipient address",
		},
		[]string{"result"}, // sent, error
	)

	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librelay_messages_received_total",
			Help: "Total number of inbound envelopes handled",
		},
		[]string{"outcome"}, // message, duplicate, keychange, error, blocked, receipt, foreign-sync
	)

	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "librelay_send_latency_seconds",
			Help:    "Time from OutgoingMessage dispatch to the sent event, per address",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	SessionRecoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librelay_session_recovery_total",
			Help: "Total number of session recoveries triggered (stale/mismatched devices, identity change)",
		},
		[]string{"kind"}, // stale_device, mismatched_device, identity_change, session_error
	)

	PreKeysRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "librelay_prekeys_remaining",
			Help: "Number of unused one-time prekeys left on the relay",
		},
	)

	WebSocketConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "librelay_websocket_connected",
			Help: "1 if the message websocket is currently connected, 0 otherwise",
		},
	)

	WebSocketReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "librelay_websocket_reconnects_total",
			Help: "Total number of non-intentional websocket reconnects",
		},
	)

	AtlasJWTRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librelay_atlas_jwt_refresh_total",
			Help: "Total number of Atlas JWT refresh attempts",
		},
		[]string{"result"}, // success, failure
	)
)

// RecordSendResult increments the send counter for a terminal result.
func RecordSendResult(result string) {
	MessagesSentTotal.WithLabelValues(result).Inc()
}

// RecordSendLatency records the time a send took from dispatch to
// terminal event.
func RecordSendLatency(d time.Duration) {
	SendLatency.Observe(d.Seconds())
}

// RecordReceiveOutcome increments the receive counter for an envelope
// handling outcome.
func RecordReceiveOutcome(outcome string) {
	MessagesReceivedTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionRecovery increments the session recovery counter for kind.
func RecordSessionRecovery(kind string) {
	SessionRecoveryTotal.WithLabelValues(kind).Inc()
}

// SetPreKeysRemaining sets the current prekey pool depth gauge.
func SetPreKeysRemaining(n int) {
	PreKeysRemaining.Set(float64(n))
}

// SetWebSocketConnected records the current websocket connection state.
func SetWebSocketConnected(connected bool) {
	if connected {
		WebSocketConnected.Set(1)
		return
	}
	WebSocketConnected.Set(0)
}

// RecordWebSocketReconnect increments the reconnect counter.
func RecordWebSocketReconnect() {
	WebSocketReconnectsTotal.Inc()
}

// RecordAtlasJWTRefresh increments the JWT refresh counter for a result.
func RecordAtlasJWTRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	AtlasJWTRefreshTotal.WithLabelValues(result).Inc()
}
