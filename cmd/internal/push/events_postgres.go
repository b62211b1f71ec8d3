package push

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEventStore is an EventStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresEventStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// The table layout lives in db/schema.sql.
type PostgresEventStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresEventStore behavior.
type PostgresOption func(*PostgresEventStore) error

// WithSchema sets the DB schema used by this store (default: "notifyd").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresEventStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("push: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("push: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresEventStore constructs a Postgres-backed EventStore.
func NewPostgresEventStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresEventStore, error) {
	st := &PostgresEventStore{
		pool:   pool,
		schema: "notifyd",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("push: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresEventStore) Close() error { return nil }

// Append inserts one event. Re-appending an existing id is a no-op.
func (s *PostgresEventStore) Append(ctx context.Context, ev Event) error {
	if s == nil || s.pool == nil {
		return errors.New("push: nil store")
	}
	if ev.ID == "" || ev.Kind == "" {
		return errors.New("invalid event")
	}

	events := pgIdent(s.schema, "session_events")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+events+` (id, kind, client_id, session_id, transport, detail, count, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Kind, ev.ClientID, ev.SessionID, ev.Transport, ev.Detail, ev.Count, ev.At,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events ordered newest first.
func (s *PostgresEventStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("push: nil store")
	}
	limit = clampRecentLimit(limit)

	events := pgIdent(s.schema, "session_events")
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, client_id, session_id, transport, detail, count, at
		   FROM `+events+`
		  ORDER BY at DESC, id DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var ev Event
		err := row.Scan(&ev.ID, &ev.Kind, &ev.ClientID, &ev.SessionID, &ev.Transport, &ev.Detail, &ev.Count, &ev.At)
		ev.At = ev.At.UTC()
		return ev, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
