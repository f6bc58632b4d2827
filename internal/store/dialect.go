package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Dialect isolates the SQL differences between the supported databases
type Dialect interface {
	Name() string
	DriverName() string
	// DSN normalizes a connection string for the driver
	DSN(url string) string
	// Rebind rewrites ? placeholders into the dialect's form
	Rebind(query string) string
	Schema() []string
	IsUniqueViolation(err error) bool
	// IsTransient reports lock contention or serialization failures worth retrying
	IsTransient(err error) bool
}

// DialectFor returns the dialect registered under name
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLiteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return PostgresDialect{}, nil
	default:
		return nil, errors.New("unsupported database driver: " + name)
	}
}

// SQLiteDialect is used for single-node deployments and tests
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string       { return "sqlite" }
func (SQLiteDialect) DriverName() string { return "sqlite3" }

func (SQLiteDialect) DSN(url string) string {
	url = strings.TrimPrefix(url, "sqlite://")
	if strings.Contains(url, "?") {
		return url
	}
	// IMMEDIATE transactions take the write lock up front so two claimers never
	// deadlock upgrading a shared lock.
	return url + "?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=1"
}

func (SQLiteDialect) Rebind(query string) string { return query }

func (SQLiteDialect) Schema() []string { return sqliteSchema }

func (SQLiteDialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (SQLiteDialect) IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// PostgresDialect is used for shared deployments
type PostgresDialect struct{}

func (PostgresDialect) Name() string       { return "postgres" }
func (PostgresDialect) DriverName() string { return "pgx" }
func (PostgresDialect) DSN(url string) string {
	return url
}

func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (PostgresDialect) Schema() []string { return postgresSchema }

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func (PostgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (PostgresDialect) IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}
