// Package sqlite is the default storage backend. Each project owns one
// database file next to its project.yaml; the system AI keeps a separate
// one. A single connection plus WAL keeps writers serialized without a
// server process.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/maestro/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements store.TaskStore, store.ConversationStore and
// store.SeenStore over one SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used for slow-query debugging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite is in-process; a single connection avoids
	// SQLITE_BUSY between the agent loops sharing this file.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Stores wraps the Store into the shared container.
func (s *Store) Stores() *store.Stores {
	return store.NewStores(s, s, s, s.Close)
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migsqlite.WithInstance(s.db, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
