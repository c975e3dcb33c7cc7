// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Merge decisions by entity kind, candidate source and outcome.
	MergeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_merge_decisions_total",
			Help: "Merge decisions by entity kind, source and outcome",
		},
		[]string{"kind", "source", "outcome"},
	)

	// Remote API latency (seconds).
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_remote_request_duration_seconds",
			Help:    "Remote API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"endpoint", "status"},
	)

	RemoteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_remote_retries_total",
			Help: "Remote API retries after transient failures",
		},
		[]string{"endpoint"},
	)

	// Mutation terminal outcomes.
	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_mutations_total",
			Help: "Pending mutations by op and final status",
		},
		[]string{"op", "status"},
	)

	ChannelState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "huddle_channel_state",
			Help: "Real-time channel state (1 for the current state)",
		},
		[]string{"state"},
	)

	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_channel_reconnects_total",
			Help: "Real-time channel reconnect attempts",
		},
	)

	ChannelEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_channel_events_total",
			Help: "Real-time messages received by type",
		},
		[]string{"type"},
	)

	// Scheduler job runs (seconds).
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_job_duration_seconds",
			Help:    "Background job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"tag", "result"},
	)

	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_scheduler_consecutive_failures",
			Help: "Consecutive failed scheduler ticks",
		},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_notifications_total",
			Help: "Local notifications delivered by kind and sink",
		},
		[]string{"kind", "sink", "result"},
	)
)

// channelStates lists the label values ChannelState is reset over.
var channelStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECTING"}

// RecordMergeDecision counts one merge decision.
func RecordMergeDecision(kind, source, outcome string) {
	MergeDecisions.WithLabelValues(kind, source, outcome).Inc()
}

// RecordRemoteRequest records one remote API attempt.
func RecordRemoteRequest(endpoint, status string, duration time.Duration) {
	RemoteRequestDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

// RecordRemoteRetry counts a retry of endpoint.
func RecordRemoteRetry(endpoint string) {
	RemoteRetries.WithLabelValues(endpoint).Inc()
}

// RecordMutation counts a mutation reaching status.
func RecordMutation(op, status string) {
	Mutations.WithLabelValues(op, status).Inc()
}

// SetChannelState marks state as the channel's current state.
func SetChannelState(state string) {
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ChannelState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect counts a reconnect attempt.
func RecordReconnect() {
	ChannelReconnects.Inc()
}

// RecordChannelEvent counts an inbound message.
func RecordChannelEvent(msgType string) {
	ChannelEvents.WithLabelValues(msgType).Inc()
}

// RecordJobRun records one scheduler job run.
func RecordJobRun(tag, result string, duration time.Duration) {
	JobDuration.WithLabelValues(tag, result).Observe(duration.Seconds())
}

// SetConsecutiveFailures publishes the scheduler failure counter.
func SetConsecutiveFailures(n int) {
	ConsecutiveFailures.Set(float64(n))
}

// RecordNotification counts a notification delivery attempt.
func RecordNotification(kind, sink, result string) {
	Notifications.WithLabelValues(kind, sink, result).Inc()
}
