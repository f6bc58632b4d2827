// Package store persists positions, the stop event log, its projection,
// the outbox and circuit breaker state in one relational database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stop_engine/internal/core"
	"stop_engine/pkg/retry"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Options configures Open
type Options struct {
	Driver       string
	URL          string
	MaxOpenConns int
}

// Store is the single source of truth for the engine. Every write that
// appends an event also writes its outbox row in the same transaction.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  core.ILogger
	now     func() time.Time
}

// Open connects to the database and verifies the connection
func Open(ctx context.Context, opts Options, logger core.ILogger) (*Store, error) {
	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dialect.DSN(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect.Name(), err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect.Name(), err)
	}

	return New(db, dialect, logger), nil
}

// New wraps an existing handle
func New(db *sql.DB, dialect Dialect, logger core.ILogger) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.WithField("component", "store"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for audit columns
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Dialect returns the SQL dialect in use
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate creates tables and indexes if missing
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	s.logger.Info("Schema migrated", "dialect", s.dialect.Name())
	return nil
}

// Ping checks connectivity for health reporting
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// withTx runs fn in a transaction, retrying on lock contention. fn may run
// more than once and must not have side effects outside tx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, retry.StorePolicy, s.dialect.IsTransient, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}
