package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "notifyd/contracts/notify/v1"
	"notifyd/cmd/internal/push"
)

// Controller is the push server surface exposed over HTTP.
type Controller interface {
	Send(ctx context.Context, body, title, category string) (int, error)
	SendDefault(ctx context.Context) int
	ToggleAutoSend() bool
	SetAutoSendInterval(seconds int) error
	AutoSendEnabled() bool
	AutoSendInterval() time.Duration
	ClientCount() int
	Addr() string
	Ready() bool
	Events(ctx context.Context, limit int) ([]push.Event, error)
	ServeWS(w http.ResponseWriter, r *http.Request)
}

const maxControlBodyBytes = 64 << 10

type statusResponse struct {
	Clients                 int    `json:"clients"`
	AutoSendEnabled         bool   `json:"auto_send_enabled"`
	AutoSendIntervalSeconds int    `json:"auto_send_interval_seconds"`
	ListenAddr              string `json:"listen_addr"`
}

type sendRequest struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Category string `json:"notification_type"`
}

type sentResponse struct {
	Sent int `json:"sent"`
}

type toggleResponse struct {
	Enabled bool `json:"enabled"`
}

type intervalRequest struct {
	Seconds *int `json:"seconds"`
}

type intervalResponse struct {
	Seconds int `json:"seconds"`
}

type eventResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ClientID  string    `json:"client_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Count     int       `json:"count,omitempty"`
	At        time.Time `json:"at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func registerHTTP(mux *http.ServeMux, log Logger, cfg Config, ctl Controller, dbPool *pgxpool.Pool) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ctl.Ready() {
			http.Error(w, "push listener not ready", http.StatusServiceUnavailable)
			return
		}
		if cfg.ReadinessRequireDB && dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Clients:                 ctl.ClientCount(),
			AutoSendEnabled:         ctl.AutoSendEnabled(),
			AutoSendIntervalSeconds: int(ctl.AutoSendInterval() / time.Second),
			ListenAddr:              ctl.Addr(),
		})
	})

	mux.HandleFunc("POST /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		n, err := ctl.Send(r.Context(), req.Message, req.Title, req.Category)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, v1.ErrInvalidField) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sentResponse{Sent: n})
	})

	mux.HandleFunc("POST /api/notifications/default", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sentResponse{Sent: ctl.SendDefault(r.Context())})
	})

	mux.HandleFunc("POST /api/autosend/toggle", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, toggleResponse{Enabled: ctl.ToggleAutoSend()})
	})

	mux.HandleFunc("PUT /api/autosend/interval", func(w http.ResponseWriter, r *http.Request) {
		var req intervalRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Seconds == nil {
			writeError(w, http.StatusBadRequest, "missing field: seconds")
			return
		}
		if err := ctl.SetAutoSendInterval(*req.Seconds); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, push.ErrIntervalTooShort) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, intervalResponse{Seconds: *req.Seconds})
	})

	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		evs, err := ctl.Events(r.Context(), limit)
		if err != nil {
			log.Error("events.recent.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "events unavailable")
			return
		}

		out := make([]eventResponse, 0, len(evs))
		for _, ev := range evs {
			out = append(out, eventResponse{
				ID:        ev.ID,
				Kind:      ev.Kind,
				ClientID:  ev.ClientID,
				SessionID: ev.SessionID,
				Transport: ev.Transport,
				Detail:    ev.Detail,
				Count:     ev.Count,
				At:        ev.At,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /ws", ctl.ServeWS)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return errors.New("invalid json body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
