package push

import (
	"context"
	"net"
	"time"

	v1 "notifyd/contracts/notify/v1"
	"notifyd/cmd/internal/wire"
)

// Transport names.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Transport carries framed messages for one connection.
//
// Read is only called by the owning session goroutine. Write is serialised by
// Session.Send. Close must be safe to call while a Read is blocked and must
// unblock it.
type Transport interface {
	Kind() string
	RemoteAddr() string
	Read(ctx context.Context) (v1.Message, error)
	Write(ctx context.Context, m v1.Message) error
	Close() error
}

// tcpTransport frames messages as newline-delimited JSON on a net.Conn.
type tcpTransport struct {
	conn        net.Conn
	dec         *wire.Decoder
	readTimeout time.Duration
}

// NewTCPTransport wraps conn. readTimeout <= 0 disables the idle read deadline.
func NewTCPTransport(conn net.Conn, readTimeout time.Duration) Transport {
	return &tcpTransport{
		conn:        conn,
		dec:         wire.NewDecoder(conn),
		readTimeout: readTimeout,
	}
}

func (t *tcpTransport) Kind() string { return TransportTCP }

func (t *tcpTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *tcpTransport) Read(ctx context.Context) (v1.Message, error) {
	var deadline time.Time
	if t.readTimeout > 0 {
		deadline = time.Now().Add(t.readTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return v1.Message{}, err
	}
	return t.dec.Decode()
}

func (t *tcpTransport) Write(ctx context.Context, m v1.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return wire.Encode(t.conn, m)
}

func (t *tcpTransport) Close() error { return t.conn.Close() }
