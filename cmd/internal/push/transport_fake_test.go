package push

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "notifyd/contracts/notify/v1"
)

type readResult struct {
	msg v1.Message
	err error
}

// fakeTransport is an in-memory Transport. Reads come from in; writes are recorded.
type fakeTransport struct {
	remote string
	in     chan readResult

	mu       sync.Mutex
	written  []v1.Message
	writeErr error

	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
}

func newFakeTransport(remote string) *fakeTransport {
	return &fakeTransport{
		remote: remote,
		in:     make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Kind() string       { return "fake" }
func (t *fakeTransport) RemoteAddr() string { return t.remote }

func (t *fakeTransport) Read(ctx context.Context) (v1.Message, error) {
	select {
	case r, ok := <-t.in:
		if !ok {
			return v1.Message{}, io.EOF
		}
		return r.msg, r.err
	case <-t.closed:
		return v1.Message{}, net.ErrClosed
	case <-ctx.Done():
		return v1.Message{}, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, m v1.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, m)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeCalls.Add(1)
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) push(m v1.Message) { t.in <- readResult{msg: m} }

func (t *fakeTransport) pushErr(err error) { t.in <- readResult{err: err} }

func (t *fakeTransport) failWrites(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) messages() []v1.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]v1.Message(nil), t.written...)
}

func (t *fakeTransport) waitWrites(tb testing.TB, n int) []v1.Message {
	tb.Helper()
	require.Eventually(tb, func() bool { return len(t.messages()) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d writes", n)
	return t.messages()
}

// newTestSession builds a session whose teardown removes it from reg (when non-nil).
func newTestSession(tr Transport, reg *Registry, opts sessionOptions) *Session {
	if reg != nil {
		prev := opts.hooks.onTeardown
		opts.hooks.onTeardown = func(s *Session, reason string) {
			reg.Remove(s.ID, s)
			if prev != nil {
				prev(s, reason)
			}
		}
	}
	return newSession(tr, opts)
}
