package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrServerClosed is returned by Start after Stop.
	ErrServerClosed = errors.New("push: server closed")
	// ErrServerStarted is returned by a second Start.
	ErrServerStarted = errors.New("push: server already started")
)

// Config holds the server settings. Zero values select defaults, except
// AutoSendEnabled which is taken as given.
type Config struct {
	// Addr is the TCP listen address (host:port).
	Addr string
	Link string

	HeartbeatInterval time.Duration
	// ReadIdleTimeout <= 0 derives the timeout from HeartbeatInterval.
	ReadIdleTimeout time.Duration
	WriteTimeout    time.Duration

	MaxClients        int
	FanoutParallelism int

	AutoSendEnabled  bool
	AutoSendInterval int // seconds
	AutoSendStep     time.Duration

	RateEvents int
	RateWindow time.Duration

	// AllowedOrigins feeds the WebSocket origin check (scheme://host[:port] or host).
	AllowedOrigins []string
	// WSInsecureSkipVerify disables the WebSocket origin check. Dev only.
	WSInsecureSkipVerify bool
}

func (c Config) readIdleTimeout() time.Duration {
	if c.ReadIdleTimeout > 0 {
		return c.ReadIdleTimeout
	}
	hb := c.HeartbeatInterval
	if hb <= 0 {
		hb = defaultHeartbeatInterval
	}
	return idleHeartbeatMultiplier * hb
}

// Option customises a Server.
type Option func(*Server)

// WithClock replaces the wall clock (tests use a fake clock).
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithEventStore sets the session event log. The caller owns the store.
func WithEventStore(st EventStore) Option {
	return func(s *Server) {
		if st != nil {
			s.events = st
		}
	}
}

// WithResponseObserver registers fn for every notification_response.
func WithResponseObserver(fn func(Response)) Option {
	return func(s *Server) { s.onResponse = fn }
}

// Server accepts client connections, keeps the registry and exposes the
// control operations.
type Server struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	reg      *Registry
	bc       *Broadcaster
	autoSend *AutoSend
	sched    *Scheduler
	events   EventStore
	writer   *eventWriter

	onResponse     func(Response)
	originPatterns []string

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	ln      net.Listener

	wg sync.WaitGroup
}

// NewServer constructs a Server. Nothing is bound until Start.
func NewServer(log *slog.Logger, cfg Config, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = defaultMaxClients
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.events == nil {
		s.events = NewInMemoryEventStore(0)
	}
	s.writer = newEventWriter(log, s.events, eventQueueSize)

	s.reg = NewRegistry(log)
	s.reg.SetLimit(cfg.MaxClients)
	s.bc = NewBroadcaster(log, s.reg, BroadcasterOptions{
		Link:         cfg.Link,
		WriteTimeout: cfg.WriteTimeout,
		Parallelism:  cfg.FanoutParallelism,
		Clock:        s.clock,
		Record:       s.record,
	})
	s.autoSend = NewAutoSend(cfg.AutoSendEnabled, cfg.AutoSendInterval)
	s.sched = NewScheduler(log, s.autoSend, s.clock, s.reg.Len, func(ctx context.Context) int {
		return s.bc.sendDefault(ctx, TriggerAuto)
	})
	if cfg.AutoSendStep > 0 {
		s.sched.step = cfg.AutoSendStep
	}
	s.originPatterns = deriveOriginPatterns(cfg.AllowedOrigins)
	return s
}

// Start binds the TCP listener and spawns the accept loop and the scheduler.
// A bind failure is returned and nothing is started.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}
	if s.started {
		return ErrServerStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("push: listen %s: %w", s.cfg.Addr, err)
	}

	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.writer.start()

	// Cancelling the parent context alone is enough to unblock Accept.
	context.AfterFunc(s.ctx, func() { _ = ln.Close() })

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(s.ctx, ln)
	}()
	go func() {
		defer s.wg.Done()
		_ = s.sched.Run(s.ctx)
	}()

	s.log.Info("server.start",
		"addr", ln.Addr().String(),
		"auto_send_enabled", s.autoSend.Enabled(),
		"auto_send_interval_s", s.autoSend.IntervalSeconds(),
	)
	return nil
}

// Stop closes the listener, tears every session down and waits for all
// server goroutines. It is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, ln := s.cancel, s.ln
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.reg.CloseAll(ReasonServerStop)
	s.wg.Wait()
	// Sessions are gone, so their disconnect events are queued by now.
	s.writer.stop()

	s.log.Info("server.stop")
}

// Addr returns the bound listener address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Ready reports whether the listener is bound and the server is not stopping.
func (s *Server) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped && s.ctx.Err() == nil
}

// ---- control operations ----

// Send broadcasts a custom notification and returns the number of clients reached.
// An unknown category returns an error wrapping v1.ErrInvalidField.
func (s *Server) Send(ctx context.Context, body, title, category string) (int, error) {
	n, err := s.bc.Send(ctx, body, title, category)
	if err != nil {
		s.log.Info("send.reject", "category", category, "err", err)
	}
	return n, err
}

// SendDefault broadcasts the link-only notification.
func (s *Server) SendDefault(ctx context.Context) int {
	return s.bc.SendDefault(ctx)
}

// ToggleAutoSend flips auto-send and returns the new state.
func (s *Server) ToggleAutoSend() bool {
	on := s.autoSend.Toggle()
	s.log.Info("autosend.toggle", "enabled", on)
	return on
}

// SetAutoSendInterval changes the auto-send interval. Values below the
// minimum return ErrIntervalTooShort and keep the previous interval.
func (s *Server) SetAutoSendInterval(seconds int) error {
	if err := s.autoSend.SetInterval(seconds); err != nil {
		s.log.Info("autosend.interval.reject", "seconds", seconds, "err", err)
		return err
	}
	s.log.Info("autosend.interval", "seconds", seconds)
	return nil
}

// AutoSendEnabled reports whether auto-send is on.
func (s *Server) AutoSendEnabled() bool { return s.autoSend.Enabled() }

// AutoSendInterval returns the current auto-send interval.
func (s *Server) AutoSendInterval() time.Duration { return s.autoSend.Interval() }

// ClientCount returns the number of registered sessions.
func (s *Server) ClientCount() int { return s.reg.Len() }

// Events returns up to limit session events, newest first.
func (s *Server) Events(ctx context.Context, limit int) ([]Event, error) {
	return s.events.Recent(ctx, limit)
}

// ---- acceptor ----

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	var backoff time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.log.Info("accept.stop")
				return
			}

			AcceptErrors.Inc()
			backoff = nextAcceptBackoff(backoff)
			s.log.Warn("accept.fail", "err", err, "backoff_ms", backoff.Milliseconds())

			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(backoff):
			}
			continue
		}
		backoff = 0

		s.handleConn(conn)
	}
}

func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > acceptBackoffMax {
		d = acceptBackoffMax
	}
	return d
}

func (s *Server) handleConn(conn net.Conn) {
	if s.atCapacity() {
		SessionsRejected.WithLabelValues(rejectMaxClients).Inc()
		s.log.Warn("accept.reject", "reason", rejectMaxClients, "remote", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}

	ctx, ok := s.track()
	if !ok {
		SessionsRejected.WithLabelValues(ReasonServerStop).Inc()
		_ = conn.Close()
		return
	}

	tr := NewTCPTransport(conn, s.cfg.readIdleTimeout())
	go func() {
		defer s.wg.Done()
		s.attach(ctx, tr)
	}()
}

const rejectMaxClients = "max_clients"

// atCapacity is the cheap pre-check before any per-connection work. Registry.Add
// enforces the limit.
func (s *Server) atCapacity() bool {
	return s.cfg.MaxClients > 0 && s.reg.Len() >= s.cfg.MaxClients
}

// track reserves a WaitGroup slot for a session goroutine. The caller must
// call wg.Done when ok is true.
func (s *Server) track() (ctx context.Context, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil, false
	}
	s.wg.Add(1)
	return s.ctx, true
}

// attach runs the full lifecycle of one session: register, welcome, receive loop.
func (s *Server) attach(ctx context.Context, tr Transport) {
	sess := newSession(tr, sessionOptions{
		log:          s.log,
		clock:        s.clock,
		limiter:      NewRateLimiter(s.cfg.RateEvents, s.cfg.RateWindow),
		writeTimeout: s.cfg.WriteTimeout,
		hooks: sessionHooks{
			onResponse: s.handleResponse,
			onTeardown: s.handleTeardown,
		},
	})

	old, err := s.reg.Add(sess)
	if err != nil {
		// Lost the race for the last slot after the accept-time check.
		SessionsRejected.WithLabelValues(rejectMaxClients).Inc()
		sess.log.Warn("accept.reject", "reason", rejectMaxClients)
		_ = tr.Close()
		return
	}
	if old != nil {
		old.Close(ReasonReplaced)
	}
	SessionsTotal.WithLabelValues(tr.Kind()).Inc()
	s.record(Event{
		Kind:      EventConnect,
		ClientID:  sess.ID,
		SessionID: sess.SessionID,
		Transport: tr.Kind(),
		At:        sess.ConnectedAt,
	})

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err = sess.Send(wctx, s.bc.Welcome())
	cancel()
	if err != nil {
		sess.log.Info("session.welcome.fail", "err", err)
		sess.Close(ReasonWelcomeFailed)
		return
	}

	sess.Run(ctx)
}

func (s *Server) handleTeardown(sess *Session, reason string) {
	s.reg.Remove(sess.ID, sess)
	s.record(Event{
		Kind:      EventDisconnect,
		ClientID:  sess.ID,
		SessionID: sess.SessionID,
		Transport: sess.Transport(),
		Detail:    reason,
	})
}

func (s *Server) handleResponse(sess *Session, r Response) {
	s.record(Event{
		Kind:      EventResponse,
		ClientID:  r.ClientID,
		SessionID: r.SessionID,
		Transport: sess.Transport(),
		Detail:    r.Action,
		At:        r.At,
	})
	if s.onResponse != nil {
		s.onResponse(r)
	}
}

// record queues ev for the event log. Failures are logged and dropped.
func (s *Server) record(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = NewEventID(ev.At)
	}
	s.writer.enqueue(ev)
}
