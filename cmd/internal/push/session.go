package push

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	v1 "notifyd/contracts/notify/v1"
	"notifyd/cmd/internal/wire"
)

const dropRateLimited = "rate_limited"

// ErrSessionClosed is returned by Send after teardown started.
var ErrSessionClosed = errors.New("push: session closed")

// Teardown reasons.
const (
	ReasonPeerClosed    = "peer_closed"
	ReasonConnClosed    = "conn_closed"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonBadMessage    = "bad_message"
	ReasonFrameTooLarge = "frame_too_large"
	ReasonReadFailed    = "read_failed"
	ReasonWriteFailed   = "write_failed"
	ReasonWelcomeFailed = "welcome_failed"
	ReasonReplaced      = "replaced"
	ReasonServerStop    = "server_stop"
)

// Response is a notification_response received from a client.
type Response struct {
	ClientID  string
	SessionID string
	Action    string
	At        time.Time
}

// sessionHooks connect a session to its owner. All fields are optional.
type sessionHooks struct {
	// onResponse observes notification responses.
	onResponse func(s *Session, r Response)
	// onTeardown runs once, before the transport is closed.
	onTeardown func(s *Session, reason string)
}

// Session owns one client connection.
//
// Design notes:
//   - Run is the only reader of the transport.
//   - Send serialises writers, so the broadcaster and the heartbeat reply never interleave frames.
//   - Close is idempotent: registry removal, transport close and the teardown
//     event happen exactly once whichever path triggers them.
type Session struct {
	ID          string
	SessionID   string
	ConnectedAt time.Time

	tr           Transport
	log          *slog.Logger
	clock        clockwork.Clock
	limiter      *RateLimiter
	writeTimeout time.Duration
	hooks        sessionHooks

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

// sessionOptions carries the per-session settings owned by the server.
type sessionOptions struct {
	log          *slog.Logger
	clock        clockwork.Clock
	limiter      *RateLimiter
	writeTimeout time.Duration
	hooks        sessionHooks
}

func newSession(tr Transport, opts sessionOptions) *Session {
	if opts.log == nil {
		opts.log = slog.Default()
	}
	if opts.clock == nil {
		opts.clock = clockwork.NewRealClock()
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	s := &Session{
		ID:           tr.RemoteAddr(),
		SessionID:    NewSessionID(),
		ConnectedAt:  opts.clock.Now().UTC(),
		tr:           tr,
		clock:        opts.clock,
		limiter:      opts.limiter,
		writeTimeout: opts.writeTimeout,
		hooks:        opts.hooks,
		done:         make(chan struct{}),
	}
	s.log = opts.log.With("client_id", s.ID, "session_id", s.SessionID, "transport", tr.Kind())
	return s
}

// Transport returns the transport kind ("tcp" or "ws").
func (s *Session) Transport() string { return s.tr.Kind() }

// Done returns a channel that is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns the teardown reason, or "" while the session is open.
func (s *Session) Reason() string {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

// Send writes one message. It is safe for concurrent use.
func (s *Session) Send(ctx context.Context, m v1.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.tr.Write(ctx, m)
}

// Close tears the session down (idempotent).
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)

		// Unregister before closing so no broadcaster picks a closing session.
		if s.hooks.onTeardown != nil {
			s.hooks.onTeardown(s, reason)
		}
		_ = s.tr.Close()

		SessionTeardowns.WithLabelValues(reason).Inc()
		s.log.Info("session.close", "reason", reason, "duration_ms", s.clock.Since(s.ConnectedAt).Milliseconds())
	})
}

// Run is the receive loop. It returns after teardown.
// Cancelling ctx tears the session down.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.Close(ReasonServerStop) })
	defer stop()

	s.log.Info("session.open")

	for {
		m, err := s.tr.Read(ctx)
		if err != nil {
			reason := classifyReadErr(err)
			select {
			case <-s.done:
				// Closed by another path; keep its reason.
			default:
				s.log.Info("session.read.end", "reason", reason, "err", err)
			}
			s.Close(reason)
			return
		}

		now := s.clock.Now().UTC()
		// Heartbeats are always answered; other traffic over the limit is dropped.
		if m.Type != v1.TypeHeartbeat && !s.limiter.Allow(now) {
			MessagesDropped.WithLabelValues(dropRateLimited).Inc()
			s.log.Debug("session.message.dropped", "type", m.Type, "reason", dropRateLimited)
			continue
		}

		if err := m.Validate(); err != nil {
			// Unknown or malformed fields are ignored; only undecodable frames end the session.
			s.log.Debug("session.message.ignored", "type", m.Type, "err", err)
			continue
		}

		switch m.Type {
		case v1.TypeHeartbeat:
			if err := s.ackHeartbeat(ctx, m, now); err != nil {
				s.log.Info("session.heartbeat_ack.fail", "err", err)
				s.Close(ReasonWriteFailed)
				return
			}
		case v1.TypeNotificationResponse:
			s.handleResponse(m, now)
		default:
			s.log.Debug("session.message.ignored", "type", m.Type)
		}
	}
}

func (s *Session) ackHeartbeat(ctx context.Context, hb v1.Message, now time.Time) error {
	ack := v1.NewHeartbeatAck(now)
	// Acks never go backwards relative to the heartbeat, even with client clock skew.
	if ack.Timestamp < hb.Timestamp {
		ack.Timestamp = hb.Timestamp
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.Send(wctx, ack); err != nil {
		return err
	}
	HeartbeatsTotal.Inc()
	s.log.Debug("session.heartbeat")
	return nil
}

func (s *Session) handleResponse(m v1.Message, now time.Time) {
	ResponsesTotal.WithLabelValues(m.Action).Inc()
	s.log.Info("session.response", "action", m.Action)

	if s.hooks.onResponse != nil {
		s.hooks.onResponse(s, Response{
			ClientID:  s.ID,
			SessionID: s.SessionID,
			Action:    m.Action,
			At:        now,
		})
	}
}

// ---- read error classification ----

func classifyReadErr(err error) string {
	switch {
	case errors.Is(err, wire.ErrMalformed):
		return ReasonBadMessage
	case errors.Is(err, wire.ErrFrameTooLarge):
		return ReasonFrameTooLarge
	case websocket.CloseStatus(err) != -1:
		return ReasonPeerClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ReasonPeerClosed
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ReasonIdleTimeout
	case errors.Is(err, context.Canceled):
		return ReasonServerStop
	case errors.Is(err, net.ErrClosed):
		return ReasonConnClosed
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonIdleTimeout
	}
	return ReasonReadFailed
}
