// Package v1 defines the notifyd push protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke client and tests to keep the wire protocol authoritative.
package v1

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Type constants (wire-stable).
const (
	// TypeNotification pushes a notification (server -> client).
	TypeNotification = "notification"
	// TypeNotificationResponse reports what the user did with a notification (client -> server).
	TypeNotificationResponse = "notification_response"

	// TypeHeartbeat is the client liveness signal (client -> server).
	TypeHeartbeat = "heartbeat"
	// TypeHeartbeatAck answers a heartbeat (server -> client).
	TypeHeartbeatAck = "heartbeat_ack"
)

// Notification categories carried in notification_type.
const (
	CategoryInfo    = "info"
	CategoryWarning = "warning"
	CategoryError   = "error"
	CategorySuccess = "success"
)

// Response actions carried in notification_response.
const (
	ActionOK        = "ok"
	ActionDismiss   = "dismiss"
	ActionAutoClose = "auto_close"
)

var (
	// ErrUnknownType is returned by Validate for an unsupported type discriminator.
	ErrUnknownType = errors.New("unknown type")
	// ErrInvalidField is returned by Validate when a type-specific field is malformed.
	ErrInvalidField = errors.New("invalid field")
)

// Message is the single wire object. Type selects which of the optional fields are meaningful.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Title    string `json:"title,omitempty"`
	Body     string `json:"message,omitempty"`
	Category string `json:"notification_type,omitempty"`
	Link     string `json:"link,omitempty"`

	Action string `json:"action,omitempty"`

	// Timestamp is seconds since the Unix epoch with sub-second precision.
	Timestamp float64 `json:"timestamp"`
}

// Validate performs strict structural validation for a Message.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Type) == "" {
		return errors.New("missing field: type")
	}
	if math.IsNaN(m.Timestamp) || math.IsInf(m.Timestamp, 0) || m.Timestamp < 0 {
		return fmt.Errorf("%w: timestamp", ErrInvalidField)
	}

	switch m.Type {
	case TypeNotification:
		if !ValidCategory(m.Category) {
			return fmt.Errorf("%w: notification_type %q", ErrInvalidField, m.Category)
		}
		return nil
	case TypeNotificationResponse:
		if !ValidAction(m.Action) {
			return fmt.Errorf("%w: action %q", ErrInvalidField, m.Action)
		}
		return nil
	case TypeHeartbeat, TypeHeartbeatAck:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// ValidCategory reports whether c is one of the notification categories.
func ValidCategory(c string) bool {
	switch c {
	case CategoryInfo, CategoryWarning, CategoryError, CategorySuccess:
		return true
	default:
		return false
	}
}

// ValidAction reports whether a is one of the response actions.
func ValidAction(a string) bool {
	switch a {
	case ActionOK, ActionDismiss, ActionAutoClose:
		return true
	default:
		return false
	}
}

// Time converts the wire timestamp back into a time.Time (UTC).
func (m Message) Time() time.Time {
	return FromTimestamp(m.Timestamp)
}

// Timestamp converts t into wire seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromTimestamp converts wire seconds into a time.Time (UTC).
func FromTimestamp(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

// ---- Constructors ----

// NewNotification builds a notification message.
func NewNotification(id, title, body, category, link string, now time.Time) Message {
	return Message{
		Type:      TypeNotification,
		ID:        id,
		Title:     title,
		Body:      body,
		Category:  category,
		Link:      link,
		Timestamp: Timestamp(now),
	}
}

// NewHeartbeat builds a client heartbeat.
func NewHeartbeat(now time.Time) Message {
	return Message{Type: TypeHeartbeat, Timestamp: Timestamp(now)}
}

// NewHeartbeatAck builds the server answer to a heartbeat.
func NewHeartbeatAck(now time.Time) Message {
	return Message{Type: TypeHeartbeatAck, Timestamp: Timestamp(now)}
}

// NewResponse builds a client notification_response.
func NewResponse(action string, now time.Time) Message {
	return Message{Type: TypeNotificationResponse, Action: action, Timestamp: Timestamp(now)}
}
