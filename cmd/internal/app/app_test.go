package app

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TCPAddr:           "127.0.0.1:0",
		HTTPAddr:          "127.0.0.1:0",
		LogFormat:         "json",
		Link:              "LinkParaRedirecionamento.com.br",
		AutoSendEnabled:   true,
		AutoSendInterval:  30,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      time.Second,
		RateEvents:        30,
		RateWindow:        10 * time.Second,
		ShutdownTimeout:   2 * time.Second,
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(), discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	require.Eventually(t, a.push.Ready, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, a.push.Ready())
}

func TestApp_RunFailsWhenPushPortBusy(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.TCPAddr = ln.Addr().String()

	a, err := New(cfg, discardLogger())
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestNewEventStore_InMemoryWithoutDatabase(t *testing.T) {
	t.Parallel()

	st, pool, err := newEventStore(context.Background(), testConfig(), discardLogger())
	require.NoError(t, err)
	assert.Nil(t, pool)
	assert.NotNil(t, st)
	assert.NoError(t, st.Close())
}

func TestNewEventStore_BadDatabaseURL(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DatabaseURL = "://not a url"
	_, _, err := newEventStore(context.Background(), cfg, discardLogger())
	assert.Error(t, err)
}
