package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stop_engine/internal/core"
)

const positionColumns = `id, symbol, side, state, leverage, capital, risk_percent, quantity,
	entry_price, entry_fill_price, tech_entry_price, tech_initial_stop, tech_distance, tech_distance_pct,
	stop_price, target_price, stop_percent, trailing_stop, favorable_extreme,
	exit_price, realized_pnl, fees_paid, exit_reason, last_error, entry_signal_id,
	acknowledged_at, entry_filled_at, closed_at, created_at, updated_at, version`

// CreatePosition inserts a new position together with its opening events
func (s *Store) CreatePosition(ctx context.Context, pos *core.Position, events ...*core.Event) error {
	now := s.now()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	pos.UpdatedAt = now
	if pos.Version == 0 {
		pos.Version = 1
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO positions (`+positionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			pos.ID, pos.Symbol, string(pos.Side), string(pos.State), pos.Leverage,
			pos.Capital, pos.RiskPercent, pos.Quantity,
			pos.EntryPrice, pos.EntryFillPrice,
			pos.TechnicalStop.EntryPrice, pos.TechnicalStop.InitialStop, pos.TechnicalStop.Distance, pos.TechnicalStop.DistancePct,
			pos.StopPrice, pos.TargetPrice, pos.StopPercent, pos.TrailingStop, pos.FavorableExtreme,
			pos.ExitPrice, pos.RealizedPnL, pos.FeesPaid, pos.ExitReason, pos.LastError, pos.EntrySignalID,
			nullTime(pos.AcknowledgedAt), nullTime(pos.EntryFilledAt), nullTime(pos.ClosedAt),
			pos.CreatedAt.UTC(), pos.UpdatedAt.UTC(), pos.Version,
		)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return fmt.Errorf("position %s: %w", pos.ID, core.ErrDuplicate)
			}
			return fmt.Errorf("failed to insert position: %w", err)
		}
		return s.appendAll(ctx, tx, events)
	})
}

// SavePosition writes pos if its version still matches the stored row. On
// success pos.Version is advanced. Events are appended in the same transaction.
func (s *Store) SavePosition(ctx context.Context, pos *core.Position, events ...*core.Event) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE positions SET
				state = ?, quantity = ?, entry_fill_price = ?, stop_price = ?, target_price = ?,
				stop_percent = ?, trailing_stop = ?, favorable_extreme = ?, exit_price = ?,
				realized_pnl = ?, fees_paid = ?, exit_reason = ?, last_error = ?,
				acknowledged_at = ?, entry_filled_at = ?, closed_at = ?,
				updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`),
			string(pos.State), pos.Quantity, pos.EntryFillPrice, pos.StopPrice, pos.TargetPrice,
			pos.StopPercent, pos.TrailingStop, pos.FavorableExtreme, pos.ExitPrice,
			pos.RealizedPnL, pos.FeesPaid, pos.ExitReason, pos.LastError,
			nullTime(pos.AcknowledgedAt), nullTime(pos.EntryFilledAt), nullTime(pos.ClosedAt),
			now, pos.ID, pos.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update position: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("position %s at version %d: %w", pos.ID, pos.Version, core.ErrVersionConflict)
		}
		return s.appendAll(ctx, tx, events)
	})
	if err != nil {
		return err
	}
	pos.Version++
	pos.UpdatedAt = now
	return nil
}

// GetPosition loads one position
func (s *Store) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+positionColumns+` FROM positions WHERE id = ?`), id)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, core.ErrNotFound)
	}
	return pos, err
}

// ListPositions returns positions in any of the given states, or all when none given
func (s *Store) ListPositions(ctx context.Context, states ...core.PositionState) ([]*core.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions`
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*core.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// CountPositionsByState feeds the positions gauge
func (s *Store) CountPositionsByState(ctx context.Context) (map[core.PositionState]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM positions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count positions: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.PositionState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[core.PositionState(state)] = n
	}
	return counts, rows.Err()
}

func scanPosition(row rowScanner) (*core.Position, error) {
	var (
		pos                          core.Position
		side, state                  string
		acknowledged, filled, closed sql.NullTime
	)
	err := row.Scan(
		&pos.ID, &pos.Symbol, &side, &state, &pos.Leverage,
		&pos.Capital, &pos.RiskPercent, &pos.Quantity,
		&pos.EntryPrice, &pos.EntryFillPrice,
		&pos.TechnicalStop.EntryPrice, &pos.TechnicalStop.InitialStop, &pos.TechnicalStop.Distance, &pos.TechnicalStop.DistancePct,
		&pos.StopPrice, &pos.TargetPrice, &pos.StopPercent, &pos.TrailingStop, &pos.FavorableExtreme,
		&pos.ExitPrice, &pos.RealizedPnL, &pos.FeesPaid, &pos.ExitReason, &pos.LastError, &pos.EntrySignalID,
		&acknowledged, &filled, &closed, &pos.CreatedAt, &pos.UpdatedAt, &pos.Version,
	)
	if err != nil {
		return nil, err
	}
	pos.Side = core.Side(side)
	pos.State = core.PositionState(state)
	pos.AcknowledgedAt = timePtr(acknowledged)
	pos.EntryFilledAt = timePtr(filled)
	pos.ClosedAt = timePtr(closed)
	pos.CreatedAt = pos.CreatedAt.UTC()
	pos.UpdatedAt = pos.UpdatedAt.UTC()
	return &pos, nil
}
