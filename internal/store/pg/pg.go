// Package pg is the shared-database backend. Where SQLite gives every
// project its own file, Postgres keeps all projects in one instance with a
// project column, which is what a multi-host deployment wants.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/maestro/internal/store"
)

// Store implements the store interfaces over a Postgres pool, scoped to
// one project id.
type Store struct {
	db      *sql.DB
	project string
	logger  *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// OpenDB opens and pings a Postgres pool.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// New scopes a Store to one project over an open pool.
func New(db *sql.DB, project string, opts ...Option) *Store {
	s := &Store{db: db, project: project, logger: nopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stores wraps the Store into the shared container. The pool is shared
// across projects, so Close is a no-op here; the caller closes the pool.
func (s *Store) Stores() *store.Stores {
	return store.NewStores(s, s, s, nil)
}

// EnsureSchema creates the tables if they do not exist. Schema changes
// beyond that go through the migrate command.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id             TEXT PRIMARY KEY,
    project             TEXT NOT NULL,
    requester           TEXT NOT NULL,
    requester_channel   TEXT NOT NULL,
    original_request    TEXT NOT NULL,
    delegated_to        TEXT NOT NULL,
    parent_task_id      TEXT,
    status              TEXT NOT NULL DEFAULT 'pending',
    result_summary      TEXT,
    delegation_context  JSONB,
    pending_delegations INTEGER NOT NULL DEFAULT 0,
    ws_client_id        TEXT,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_project_parent ON tasks(project, parent_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_project_agent ON tasks(project, delegated_to, status);

CREATE TABLE IF NOT EXISTS messages (
    id           BIGSERIAL PRIMARY KEY,
    project      TEXT NOT NULL,
    from_agent   TEXT NOT NULL,
    to_agent     TEXT NOT NULL,
    content      TEXT NOT NULL,
    contact_type TEXT NOT NULL DEFAULT 'user',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_project_agent ON messages(project, to_agent, id);

CREATE TABLE IF NOT EXISTS seen_events (
    project  TEXT NOT NULL,
    event_id TEXT NOT NULL,
    seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (project, event_id)
);
`

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
