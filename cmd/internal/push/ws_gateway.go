package push

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/coder/websocket"
)

// ServeWS upgrades r to a WebSocket session and runs it until teardown.
// WebSocket clients share the registry, welcome and lifecycle of TCP clients.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.atCapacity() {
		SessionsRejected.WithLabelValues(rejectMaxClients).Inc()
		s.log.Warn("ws.reject", "reason", "max_clients", "remote", r.RemoteAddr)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	ctx, ok := s.track()
	if !ok {
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Cross-origin requests need an explicit host pattern.
		OriginPatterns: s.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: s.cfg.WSInsecureSkipVerify,
	})
	if err != nil {
		s.log.Info("ws.accept.fail", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		return
	}

	s.attach(ctx, NewWSTransport(conn, r.RemoteAddr, s.cfg.readIdleTimeout()))
}

// deriveOriginPatterns turns allowed origins into the host patterns
// websocket.Accept matches against.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
