package push

import "time"

const (
	// Heartbeat cadence expected from clients. The idle read timeout is derived from it.
	defaultHeartbeatInterval = 30 * time.Second
	idleHeartbeatMultiplier  = 3

	defaultWriteTimeout = 5 * time.Second

	// Auto-send defaults.
	defaultAutoSendInterval = 30 // seconds
	minAutoSendInterval     = 5  // seconds
	defaultAutoSendStep     = 250 * time.Millisecond

	defaultMaxClients        = 1024
	defaultFanoutParallelism = 32

	// Per-session inbound rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second

	eventRecordTimeout = 2 * time.Second
	eventQueueSize     = 1024
	acceptBackoffMax   = 1 * time.Second
)
