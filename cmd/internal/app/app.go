// Package app wires the notifyd runtime: config, logging, the push server and
// the HTTP control API.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"notifyd/cmd/internal/push"
)

// App owns the push server, the HTTP server and the event log resources.
type App struct {
	cfg Config
	log Logger

	push   *push.Server
	events push.EventStore
	dbPool *pgxpool.Pool
}

// New constructs a fully wired App. Nothing listens until Run.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	events, pool, err := newEventStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	srv := push.NewServer(log, cfg.PushConfig(), push.WithEventStore(events))

	return &App{
		cfg:    cfg,
		log:    log,
		push:   srv,
		events: events,
		dbPool: pool,
	}, nil
}

// Handler returns the HTTP control API with request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.push, a.dbPool)
	return WithRequestLogging(mux, a.log)
}

// Run starts the push server and the HTTP server and blocks until ctx is
// cancelled or either fails. A push bind failure is returned immediately.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	if err := a.push.Start(ctx); err != nil {
		a.log.Error("push.start.fail", "err", err)
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTPReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTPReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTPWriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTPIdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTPMaxHeaderBytes, 1<<20),
	}

	a.log.Info("http.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("app.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("http.fail", "err", runErr)
	}

	// Push sessions go first: WebSocket connections are hijacked and
	// http.Server.Shutdown does not wait for them.
	a.push.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.log.Info("app.stopped")
	return runErr
}

func (a *App) closeStore() {
	if err := a.events.Close(); err != nil {
		a.log.Error("events.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newEventStore picks the Postgres event log when a database is configured and
// the in-memory ring otherwise. The returned pool (if any) is owned by App.
func newEventStore(ctx context.Context, cfg Config, log Logger) (push.EventStore, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_events")
		return push.NewInMemoryEventStore(0), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var opts []push.PostgresOption
	if cfg.DBSchema != "" {
		opts = append(opts, push.WithSchema(cfg.DBSchema))
	}
	st, err := push.NewPostgresEventStore(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_events", "schema", cfg.DBSchema)
	return st, pool, nil
}
