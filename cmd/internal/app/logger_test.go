package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: " warning ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, parseLogLevel(tc.in), "parseLogLevel(%q)", tc.in)
	}
}

func keepDefaultLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestNewLogger_JSON(t *testing.T) {
	keepDefaultLogger(t)

	var buf bytes.Buffer
	log := NewLogger("warn", "json", &buf)

	log.Info("dropped")
	log.Warn("broadcast.write.fail", "client_id", "10.0.0.1:4000")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "broadcast.write.fail", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "10.0.0.1:4000", rec["client_id"])
	assert.Contains(t, rec, "source")
}

func TestNewLogger_PrettyWithoutTTYHasNoColor(t *testing.T) {
	keepDefaultLogger(t)

	var buf bytes.Buffer
	log := NewLogger("info", "pretty", &buf)

	log.Info("session.open", "client_id", "10.0.0.2:4000")

	out := buf.String()
	assert.Contains(t, out, "lvl=[INFO] msg=session.open")
	assert.Contains(t, out, "client_id=10.0.0.2:4000")
	assert.NotContains(t, out, "\x1b[")
}
