package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stop_engine/internal/core"
)

const breakerColumns = `symbol, state, failure_count, failure_threshold, retry_delay_ms, trial_in_flight,
	opened_at, will_retry_at, last_failure_at, updated_at, version`

// LoadBreaker returns the breaker row for symbol, creating it closed from defaults
func (s *Store) LoadBreaker(ctx context.Context, symbol string, defaults core.CircuitBreakerState) (*core.CircuitBreakerState, error) {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO circuit_breakers
			(symbol, state, failure_count, failure_threshold, retry_delay_ms, trial_in_flight, updated_at, version)
		VALUES (?, ?, 0, ?, ?, ?, ?, 1)
		ON CONFLICT (symbol) DO NOTHING`),
		symbol, string(core.BreakerClosed), defaults.FailureThreshold, defaults.RetryDelay.Milliseconds(), false, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to seed breaker %s: %w", symbol, err)
	}

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+breakerColumns+` FROM circuit_breakers WHERE symbol = ?`), symbol)
	cb, err := scanBreaker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("breaker %s: %w", symbol, core.ErrNotFound)
	}
	return cb, err
}

// CompareAndSwapBreaker writes next if the stored version still equals
// next.Version. It reports false when another writer got there first.
// Events are appended only when the swap succeeds.
func (s *Store) CompareAndSwapBreaker(ctx context.Context, next *core.CircuitBreakerState, events ...*core.Event) (bool, error) {
	now := s.now()
	swapped := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		swapped = false
		res, err := tx.ExecContext(ctx, s.q(`UPDATE circuit_breakers SET
				state = ?, failure_count = ?, failure_threshold = ?, retry_delay_ms = ?, trial_in_flight = ?,
				opened_at = ?, will_retry_at = ?, last_failure_at = ?, updated_at = ?, version = version + 1
			WHERE symbol = ? AND version = ?`),
			string(next.State), next.FailureCount, next.FailureThreshold, next.RetryDelay.Milliseconds(), next.TrialInFlight,
			nullTime(next.OpenedAt), nullTime(next.WillRetryAt), nullTime(next.LastFailureAt), now,
			next.Symbol, next.Version)
		if err != nil {
			return fmt.Errorf("failed to update breaker: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := s.appendAll(ctx, tx, events); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if swapped {
		next.Version++
		next.UpdatedAt = now
	}
	return swapped, nil
}

// ListBreakers returns every persisted breaker
func (s *Store) ListBreakers(ctx context.Context) ([]*core.CircuitBreakerState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+breakerColumns+` FROM circuit_breakers ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list breakers: %w", err)
	}
	defer rows.Close()

	var out []*core.CircuitBreakerState
	for rows.Next() {
		cb, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func scanBreaker(row rowScanner) (*core.CircuitBreakerState, error) {
	var (
		cb                             core.CircuitBreakerState
		state                          string
		retryDelayMs                   int64
		openedAt, retryAt, lastFailure sql.NullTime
	)
	err := row.Scan(&cb.Symbol, &state, &cb.FailureCount, &cb.FailureThreshold, &retryDelayMs, &cb.TrialInFlight,
		&openedAt, &retryAt, &lastFailure, &cb.UpdatedAt, &cb.Version)
	if err != nil {
		return nil, err
	}
	cb.State = core.BreakerState(state)
	cb.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	cb.OpenedAt = timePtr(openedAt)
	cb.WillRetryAt = timePtr(retryAt)
	cb.LastFailureAt = timePtr(lastFailure)
	cb.UpdatedAt = cb.UpdatedAt.UTC()
	return &cb, nil
}
