package push

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "notifyd/contracts/notify/v1"
	"notifyd/cmd/internal/wire"
)

var testEpoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func runSession(t *testing.T, s *Session) (cancel context.CancelFunc, done <-chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return cancel, finished
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
	}
}

func TestSession_HeartbeatAckNeverBehindHeartbeat(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testEpoch)
	tr := newFakeTransport("10.0.0.1:5000")
	s := newSession(tr, sessionOptions{clock: clock})
	runSession(t, s)

	// Client clock behind the server.
	tr.push(v1.NewHeartbeat(testEpoch.Add(-10 * time.Second)))
	// Client clock ahead of the server.
	ahead := v1.NewHeartbeat(testEpoch.Add(10 * time.Second))
	tr.push(ahead)

	got := tr.waitWrites(t, 2)
	require.Len(t, got, 2)

	assert.Equal(t, v1.TypeHeartbeatAck, got[0].Type)
	assert.Equal(t, v1.Timestamp(testEpoch), got[0].Timestamp)

	assert.Equal(t, v1.TypeHeartbeatAck, got[1].Type)
	assert.Equal(t, ahead.Timestamp, got[1].Timestamp)
}

func TestSession_UnknownTypeIgnored(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("10.0.0.2:5000")
	s := newSession(tr, sessionOptions{clock: clockwork.NewFakeClockAt(testEpoch)})
	runSession(t, s)

	tr.push(v1.Message{Type: "telemetry"})
	tr.push(v1.Message{Type: v1.TypeNotificationResponse, Action: "maybe"})
	tr.push(v1.NewHeartbeat(testEpoch))

	got := tr.waitWrites(t, 1)
	assert.Equal(t, v1.TypeHeartbeatAck, got[0].Type)
	assert.Empty(t, s.Reason(), "session stays open")
}

func TestSession_ResponseObserved(t *testing.T) {
	t.Parallel()

	responses := make(chan Response, 1)
	tr := newFakeTransport("10.0.0.3:5000")
	s := newSession(tr, sessionOptions{
		clock: clockwork.NewFakeClockAt(testEpoch),
		hooks: sessionHooks{onResponse: func(_ *Session, r Response) { responses <- r }},
	})
	runSession(t, s)

	tr.push(v1.NewResponse(v1.ActionDismiss, testEpoch))

	select {
	case r := <-responses:
		assert.Equal(t, "10.0.0.3:5000", r.ClientID)
		assert.Equal(t, s.SessionID, r.SessionID)
		assert.Equal(t, v1.ActionDismiss, r.Action)
		assert.Equal(t, testEpoch, r.At)
	case <-time.After(2 * time.Second):
		t.Fatal("response not observed")
	}
}

func TestSession_ReadErrorsEndSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"malformed", fmt.Errorf("%w: boom", wire.ErrMalformed), ReasonBadMessage},
		{"too large", wire.ErrFrameTooLarge, ReasonFrameTooLarge},
		{"deadline", context.DeadlineExceeded, ReasonIdleTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newFakeTransport("10.0.1.1:5000")
			s := newSession(tr, sessionOptions{})
			_, done := runSession(t, s)

			tr.pushErr(tt.err)
			waitDone(t, done)

			assert.Equal(t, tt.reason, s.Reason())
			assert.EqualValues(t, 1, tr.closeCalls.Load())
		})
	}
}

func TestSession_PeerEOF(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("10.0.1.2:5000")
	s := newSession(tr, sessionOptions{})
	_, done := runSession(t, s)

	close(tr.in)
	waitDone(t, done)
	assert.Equal(t, ReasonPeerClosed, s.Reason())
}

func TestSession_CancelStopsRun(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("10.0.1.3:5000")
	s := newSession(tr, sessionOptions{})
	cancel, done := runSession(t, s)

	cancel()
	waitDone(t, done)
	assert.Equal(t, ReasonServerStop, s.Reason())
}

func TestSession_HeartbeatBurstIsNeverLimited(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	tr := newFakeTransport("10.0.1.4:5000")
	s := newTestSession(tr, reg, sessionOptions{
		clock:   clockwork.NewFakeClockAt(testEpoch),
		limiter: NewRateLimiter(2, time.Hour),
	})
	_, err := reg.Add(s)
	require.NoError(t, err)
	runSession(t, s)

	const burst = 40
	for i := 0; i < burst; i++ {
		tr.push(v1.NewHeartbeat(testEpoch))
	}

	got := tr.waitWrites(t, burst)
	require.Len(t, got, burst)
	for _, m := range got {
		assert.Equal(t, v1.TypeHeartbeatAck, m.Type)
	}
	assert.Empty(t, s.Reason())
	assert.Equal(t, 1, reg.Len())
}

func TestSession_OverLimitMessagesDropped(t *testing.T) {
	t.Parallel()

	var responses atomic.Int32
	tr := newFakeTransport("10.0.1.5:5000")
	s := newSession(tr, sessionOptions{
		clock:   clockwork.NewFakeClockAt(testEpoch),
		limiter: NewRateLimiter(2, time.Hour),
		hooks: sessionHooks{
			onResponse: func(*Session, Response) { responses.Add(1) },
		},
	})
	runSession(t, s)

	before := testutil.ToFloat64(MessagesDropped.WithLabelValues(dropRateLimited))
	for i := 0; i < 4; i++ {
		tr.push(v1.NewResponse(v1.ActionDismiss, testEpoch))
	}
	// Messages are handled in order: the ack means every response was seen.
	tr.push(v1.NewHeartbeat(testEpoch))
	tr.waitWrites(t, 1)

	assert.EqualValues(t, 2, responses.Load())
	assert.GreaterOrEqual(t, testutil.ToFloat64(MessagesDropped.WithLabelValues(dropRateLimited))-before, 2.0)
	assert.Empty(t, s.Reason(), "session stays open")
}

func TestSession_TeardownExactlyOnce(t *testing.T) {
	t.Parallel()

	var teardowns atomic.Int32
	reg := NewRegistry(nil)
	tr := newFakeTransport("10.0.2.1:5000")
	s := newTestSession(tr, reg, sessionOptions{
		hooks: sessionHooks{onTeardown: func(*Session, string) { teardowns.Add(1) }},
	})
	reg.Add(s)
	_, done := runSession(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close(ReasonWriteFailed)
		}()
	}
	wg.Wait()
	waitDone(t, done)

	assert.EqualValues(t, 1, teardowns.Load())
	assert.EqualValues(t, 1, tr.closeCalls.Load())
	assert.Equal(t, ReasonWriteFailed, s.Reason(), "first reason wins")
	assert.Zero(t, reg.Len())

	assert.ErrorIs(t, s.Send(context.Background(), v1.NewHeartbeatAck(testEpoch)), ErrSessionClosed)
}

func TestSession_TeardownMetric(t *testing.T) {
	t.Parallel()

	const reason = "metric_check"
	before := testutil.ToFloat64(SessionTeardowns.WithLabelValues(reason))

	s := newSession(newFakeTransport("10.0.2.2:5000"), sessionOptions{})
	s.Close(reason)
	s.Close(reason)

	assert.Equal(t, before+1, testutil.ToFloat64(SessionTeardowns.WithLabelValues(reason)))
}
