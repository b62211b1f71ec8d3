package push

import (
	"context"
	"time"
)

// Event kinds.
const (
	EventConnect    = "session.connect"
	EventDisconnect = "session.disconnect"
	EventResponse   = "notification.response"
	EventBroadcast  = "broadcast"
)

// Event is one entry of the session activity log.
type Event struct {
	ID        string
	Kind      string
	ClientID  string
	SessionID string
	Transport string
	// Detail carries the teardown reason, response action or broadcast trigger.
	Detail string
	// Count is the number of successful writes for broadcast events.
	Count int
	At    time.Time
}

// EventStore persists the activity log.
//
// Requirements:
//   - Append is safe for concurrent use.
//   - Recent returns events newest first.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

func clampRecentLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}
