package push

import (
	"context"
	"time"

	"github.com/coder/websocket"

	v1 "notifyd/contracts/notify/v1"
	"notifyd/cmd/internal/wire"
)

// wsTransport carries one message per WebSocket text frame.
type wsTransport struct {
	conn        *websocket.Conn
	remote      string
	readTimeout time.Duration
}

// NewWSTransport wraps an accepted WebSocket connection.
func NewWSTransport(conn *websocket.Conn, remote string, readTimeout time.Duration) Transport {
	conn.SetReadLimit(wire.MaxFrameBytes)
	return &wsTransport{conn: conn, remote: remote, readTimeout: readTimeout}
}

func (t *wsTransport) Kind() string { return TransportWS }

func (t *wsTransport) RemoteAddr() string { return t.remote }

func (t *wsTransport) Read(ctx context.Context) (v1.Message, error) {
	if t.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.readTimeout)
		defer cancel()
	}

	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return v1.Message{}, err
	}
	return wire.Unmarshal(data)
}

func (t *wsTransport) Write(ctx context.Context, m v1.Message) error {
	b, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
