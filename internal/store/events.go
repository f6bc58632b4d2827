package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stop_engine/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const eventColumns = `event_seq, event_id, position_id, symbol, execution_token, event_type, source,
	trigger_price, stop_price, quantity, side, exchange_order_id, fill_price, slippage_pct,
	error_message, retry_count, payload, occurred_at`

// PositionTransition moves a position between states as part of a claim
type PositionTransition struct {
	PositionID string
	From       core.PositionState
	To         core.PositionState
}

// Append writes one event, its outbox row and the projection update atomically.
// A second event with the same (token, type) returns core.ErrDuplicate.
func (s *Store) Append(ctx context.Context, ev *core.Event) error {
	s.prepare(ev)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertEvent(ctx, tx, ev)
	})
}

// ClaimTrigger is the single point of mutual exclusion for stop execution.
// It appends the TRIGGERED event and, when tr is set, moves the position out
// of its live state. Exactly one concurrent caller wins; every other caller
// gets core.ErrDuplicate and nothing is written.
func (s *Store) ClaimTrigger(ctx context.Context, ev *core.Event, tr *PositionTransition) error {
	if ev.Type != core.EventTriggered || ev.Token == "" {
		return fmt.Errorf("claim requires a tokenized %s event", core.EventTriggered)
	}
	s.prepare(ev)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if tr != nil {
			res, err := tx.ExecContext(ctx, s.q(`UPDATE positions
				SET state = ?, version = version + 1, updated_at = ?
				WHERE id = ? AND state = ?`),
				string(tr.To), s.now(), tr.PositionID, string(tr.From))
			if err != nil {
				return fmt.Errorf("failed to transition position: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("position %s not %s: %w", tr.PositionID, tr.From, core.ErrDuplicate)
			}
		}
		return s.insertEvent(ctx, tx, ev)
	})
}

func (s *Store) prepare(ev *core.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
}

func (s *Store) appendAll(ctx context.Context, tx *sql.Tx, events []*core.Event) error {
	for _, ev := range events {
		s.prepare(ev)
		if err := s.insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

// RoutingKey is the bus topic for an event
func RoutingKey(ev *core.Event) string {
	return "stop." + strings.ToLower(string(ev.Type)) + "." + ev.Symbol
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, ev *core.Event) error {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = b
	}

	err := tx.QueryRowContext(ctx, s.q(`INSERT INTO stop_events (
			event_id, position_id, symbol, execution_token, event_type, source,
			trigger_price, stop_price, quantity, side, exchange_order_id, fill_price, slippage_pct,
			error_message, retry_count, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING event_seq`),
		ev.ID, ev.PositionID, ev.Symbol, nullString(ev.Token), string(ev.Type), ev.SourceName(),
		ev.TriggerPrice, ev.StopPrice, ev.Quantity, string(ev.OrderSide), ev.ExchangeOrderID,
		ev.FillPrice, ev.SlippagePct, ev.ErrorMessage, ev.RetryCount, string(payload), ev.OccurredAt,
	).Scan(&ev.Seq)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", ev.Type, ev.Token, core.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO outbox
			(outbox_id, event_id, event_seq, routing_key, payload, published, retry_count, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?)`),
		uuid.New().String(), ev.ID, ev.Seq, RoutingKey(ev), string(body), false, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return s.project(ctx, tx, ev)
}

// project folds a ledger event into stop_executions
func (s *Store) project(ctx context.Context, tx *sql.Tx, ev *core.Event) error {
	switch ev.Type {
	case core.EventTriggered, core.EventBlocked:
		status := core.ExecutionPending
		if ev.Type == core.EventBlocked {
			status = core.ExecutionBlocked
		}
		// A new lineage may replace the row only after the previous one ended
		// without executing. This also catches tokens from adjacent buckets.
		res, err := tx.ExecContext(ctx, s.q(`INSERT INTO stop_executions (
				position_id, symbol, execution_token, status, source, side, stop_price, trigger_price,
				quantity, exchange_order_id, fill_price, slippage_pct, error_message, retry_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, 0, ?)
			ON CONFLICT (position_id) DO UPDATE SET
				symbol = excluded.symbol,
				execution_token = excluded.execution_token,
				status = excluded.status,
				source = excluded.source,
				side = excluded.side,
				stop_price = excluded.stop_price,
				trigger_price = excluded.trigger_price,
				quantity = excluded.quantity,
				exchange_order_id = '',
				fill_price = excluded.fill_price,
				slippage_pct = excluded.slippage_pct,
				error_message = excluded.error_message,
				retry_count = 0,
				updated_at = excluded.updated_at
			WHERE stop_executions.status IN (?, ?)`),
			ev.PositionID, ev.Symbol, ev.Token, string(status), ev.SourceName(), string(ev.OrderSide),
			ev.StopPrice, ev.TriggerPrice, ev.Quantity, decimal.Zero, decimal.Zero, ev.ErrorMessage, ev.OccurredAt,
			string(core.ExecutionFailed), string(core.ExecutionBlocked),
		)
		if err != nil {
			return fmt.Errorf("failed to project %s: %w", ev.Type, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 && ev.Type == core.EventTriggered {
			return fmt.Errorf("execution in progress for %s: %w", ev.PositionID, core.ErrDuplicate)
		}
		return nil

	case core.EventSubmitted:
		return s.updateExecution(ctx, tx, ev, `status = ?, updated_at = ?`,
			string(core.ExecutionSubmitted), ev.OccurredAt)

	case core.EventExecuted:
		return s.updateExecution(ctx, tx, ev,
			`status = ?, exchange_order_id = ?, fill_price = ?, slippage_pct = ?, retry_count = ?, updated_at = ?`,
			string(core.ExecutionExecuted), ev.ExchangeOrderID, ev.FillPrice, ev.SlippagePct, ev.RetryCount, ev.OccurredAt)

	case core.EventFailed:
		return s.updateExecution(ctx, tx, ev,
			`status = ?, error_message = ?, retry_count = ?, updated_at = ?`,
			string(core.ExecutionFailed), ev.ErrorMessage, ev.RetryCount, ev.OccurredAt)
	}
	return nil
}

func (s *Store) updateExecution(ctx context.Context, tx *sql.Tx, ev *core.Event, set string, args ...interface{}) error {
	args = append(args, ev.PositionID, ev.Token)
	_, err := tx.ExecContext(ctx, s.q(`UPDATE stop_executions SET `+set+`
		WHERE position_id = ? AND execution_token = ?`), args...)
	if err != nil {
		return fmt.Errorf("failed to project %s: %w", ev.Type, err)
	}
	return nil
}

// ListEvents returns the ledger of one position in append order
func (s *Store) ListEvents(ctx context.Context, positionID string) ([]*core.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM stop_events
		WHERE position_id = ? ORDER BY event_seq`, positionID)
}

// ListEventsByToken returns the lineage of one execution token
func (s *Store) ListEventsByToken(ctx context.Context, token string) ([]*core.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM stop_events
		WHERE execution_token = ? ORDER BY event_seq`, token)
}

// ListEventsSince pages through the whole log after seq
func (s *Store) ListEventsSince(ctx context.Context, afterSeq int64, limit int) ([]*core.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM stop_events
		WHERE event_seq > ? ORDER BY event_seq LIMIT ?`, afterSeq, limit)
}

// CountEvents counts events of one type for a position
func (s *Store) CountEvents(ctx context.Context, positionID string, typ core.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM stop_events
		WHERE position_id = ? AND event_type = ?`), positionID, string(typ)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*core.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*core.Event, error) {
	var (
		ev                core.Event
		token             sql.NullString
		typ, source, side string
		payload           []byte
	)
	err := row.Scan(&ev.Seq, &ev.ID, &ev.PositionID, &ev.Symbol, &token, &typ, &source,
		&ev.TriggerPrice, &ev.StopPrice, &ev.Quantity, &side, &ev.ExchangeOrderID,
		&ev.FillPrice, &ev.SlippagePct, &ev.ErrorMessage, &ev.RetryCount, &payload, &ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	ev.Token = token.String
	ev.Type = core.EventType(typ)
	ev.OrderSide = core.OrderSide(side)
	ev.OccurredAt = ev.OccurredAt.UTC()
	if source != "" {
		if ev.Source, err = core.ParseSource(source); err != nil {
			return nil, err
		}
	}
	if len(payload) > 0 && string(payload) != "{}" {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

// GetExecution returns the projected execution of a position
func (s *Store) GetExecution(ctx context.Context, positionID string) (*core.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+executionColumns+`
		FROM stop_executions WHERE position_id = ?`), positionID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", positionID, core.ErrNotFound)
	}
	return exec, err
}

// ListExecutions returns projected executions filtered by status
func (s *Store) ListExecutions(ctx context.Context, statuses ...core.ExecutionStatus) ([]*core.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM stop_executions`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

const executionColumns = `position_id, symbol, execution_token, status, source, side, stop_price,
	trigger_price, quantity, exchange_order_id, fill_price, slippage_pct, error_message, retry_count, updated_at`

func scanExecution(row rowScanner) (*core.Execution, error) {
	var (
		exec         core.Execution
		status, side string
	)
	err := row.Scan(&exec.PositionID, &exec.Symbol, &exec.Token, &status, &exec.Source, &side,
		&exec.StopPrice, &exec.TriggerPrice, &exec.Quantity, &exec.ExchangeOrderID,
		&exec.FillPrice, &exec.SlippagePct, &exec.ErrorMessage, &exec.RetryCount, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = core.ExecutionStatus(status)
	exec.OrderSide = core.OrderSide(side)
	exec.UpdatedAt = exec.UpdatedAt.UTC()
	return &exec, nil
}
