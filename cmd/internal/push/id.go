package push

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewNotificationID returns a ULID used as notification id.
// ULIDs sort by creation time, which keeps client-side logs ordered.
func NewNotificationID(now time.Time) string {
	return newULID(now)
}

// NewEventID returns a ULID used as session event id.
func NewEventID(now time.Time) string {
	return newULID(now)
}

// NewSessionID returns a random id used to correlate log lines of one connection.
// The registry key stays the remote host:port.
func NewSessionID() string {
	return uuid.NewString()
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		return ulid.Make().String()
	}
	return id.String()
}
