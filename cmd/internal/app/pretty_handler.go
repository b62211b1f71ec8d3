package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// palette holds the colors of one handler. Colors are switched on or off per
// handler so output to a pipe never carries escape codes.
type palette struct {
	dim, bold, cyan               *color.Color
	info, warn, err, debug        *color.Color
	good, notice, bad             *color.Color
	methodGet, methodPost, method *color.Color
}

func newPalette(enabled bool) palette {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return palette{
		dim:        mk(color.Faint),
		bold:       mk(color.Bold),
		cyan:       mk(color.FgCyan),
		info:       mk(color.FgBlue),
		warn:       mk(color.FgYellow),
		err:        mk(color.FgRed),
		debug:      mk(color.FgMagenta),
		good:       mk(color.FgGreen),
		notice:     mk(color.FgYellow),
		bad:        mk(color.FgRed, color.Bold),
		methodGet:  mk(color.FgGreen),
		methodPost: mk(color.FgBlue),
		method:     mk(color.FgMagenta),
	}
}

type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	pal    palette
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, colored bool) slog.Handler {
	h := &prettyHandler{
		w:   w,
		pal: newPalette(colored),
		mu:  &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=")
	b.WriteString(h.pal.dim.Sprint(ts.Format("15:04:05.000")))
	b.WriteString(" lvl=")
	b.WriteString(h.levelTag(r.Level))
	b.WriteString(" msg=")
	b.WriteString(h.pal.bold.Sprint(r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.pal.dim.Sprint(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, "")
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	switch {
	case parent != "":
		fullKey = parent + "." + key
	case len(h.groups) > 0:
		fullKey = strings.Join(h.groups, ".") + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(remapPrettyKey(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return h.colorizeMethod(strings.ToUpper(strings.TrimSpace(v.String())))
	case "path", "client_id":
		return h.pal.cyan.Sprint(strings.TrimSpace(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.colorizeStatus(int(n))
		}
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return h.colorizeDurationMS(n)
		}
	case "result":
		return h.colorizeResult(strings.ToLower(strings.TrimSpace(v.String())))
	case "reason":
		return h.pal.notice.Sprint(quoteIfNeeded(v.String()))
	case "err":
		return h.pal.err.Sprint(quoteIfNeeded(valueToString(v)))
	}

	return quoteIfNeeded(valueToString(v))
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.pal.err.Sprint("[ERROR]")
	case level >= slog.LevelWarn:
		return h.pal.warn.Sprint("[WARN]")
	case level < slog.LevelInfo:
		return h.pal.debug.Sprint("[DEBUG]")
	default:
		return h.pal.info.Sprint("[INFO]")
	}
}

func (h *prettyHandler) colorizeMethod(m string) string {
	switch m {
	case "GET", "HEAD":
		return h.pal.methodGet.Sprint(m)
	case "POST", "PUT":
		return h.pal.methodPost.Sprint(m)
	default:
		return h.pal.method.Sprint(m)
	}
}

func (h *prettyHandler) colorizeStatus(code int) string {
	s := strconv.Itoa(code)
	switch {
	case code >= 500:
		return h.pal.bad.Sprint(s)
	case code >= 400:
		return h.pal.notice.Sprint(s)
	default:
		return h.pal.good.Sprint(s)
	}
}

func (h *prettyHandler) colorizeDurationMS(ms int64) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return h.pal.bad.Sprint(s)
	case ms >= 200:
		return h.pal.notice.Sprint(s)
	default:
		return h.pal.dim.Sprint(s)
	}
}

func (h *prettyHandler) colorizeResult(r string) string {
	switch r {
	case "success", "sent":
		return h.pal.good.Sprint(r)
	case "client_error", "redirect", "disabled", "empty":
		return h.pal.notice.Sprint(r)
	case "server_error", "panicked":
		return h.pal.bad.Sprint(r)
	default:
		return r
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
