package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broadcast trigger labels.
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// Session metrics
var (
	// ClientsConnected tracks the registry size.
	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_clients_connected",
			Help: "Number of sessions currently in the registry",
		},
	)

	// SessionsTotal counts accepted sessions by transport.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_sessions_total",
			Help: "Total sessions accepted by transport",
		},
		[]string{"transport"},
	)

	// SessionsRejected counts connections closed before registration.
	SessionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_sessions_rejected_total",
			Help: "Connections rejected before registration by reason",
		},
		[]string{"reason"},
	)

	// SessionTeardowns counts session teardowns by reason.
	SessionTeardowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_session_teardowns_total",
			Help: "Session teardowns by reason",
		},
		[]string{"reason"},
	)

	// AcceptErrors counts accept failures that did not stop the loop.
	AcceptErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_accept_errors_total",
			Help: "Accept errors on the TCP listener",
		},
	)

	// HeartbeatsTotal counts acknowledged heartbeats.
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_heartbeats_total",
			Help: "Heartbeats received and acknowledged",
		},
	)

	// MessagesDropped counts inbound messages discarded without handling.
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_messages_dropped_total",
			Help: "Inbound messages dropped by reason",
		},
		[]string{"reason"},
	)

	// ResponsesTotal counts notification responses by action.
	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_notification_responses_total",
			Help: "Notification responses received by action",
		},
		[]string{"action"},
	)
)

// Broadcast metrics
var (
	// NotificationsSent counts successful per-session writes by trigger.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_notifications_sent_total",
			Help: "Notifications written to sessions by trigger",
		},
		[]string{"trigger"},
	)

	// BroadcastWriteFailures counts per-session write failures during fan-out.
	BroadcastWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_broadcast_write_failures_total",
			Help: "Failed writes during broadcast (sessions pruned)",
		},
	)

	// BroadcastDuration observes how long one fan-out pass takes.
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifyd_broadcast_duration_seconds",
			Help:    "Duration of one broadcast fan-out pass",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// AutoSendCycles counts scheduler cycles by result.
	AutoSendCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_autosend_cycles_total",
			Help: "Auto-send cycles by result",
		},
		[]string{"result"},
	)
)

// Event log metrics
var (
	// EventsDropped counts session events discarded because the writer queue was full.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_events_dropped_total",
			Help: "Session events dropped because the event writer queue was full",
		},
	)
)
