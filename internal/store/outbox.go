package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stop_engine/internal/core"
)

// FetchUnpublished returns pending outbox entries in log order
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]*core.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT outbox_id, event_id, event_seq, routing_key, payload,
			published, published_at, retry_count, last_error, created_at
		FROM outbox WHERE published = ? ORDER BY event_seq LIMIT ?`), false, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox: %w", err)
	}
	defer rows.Close()

	var out []*core.OutboxEntry
	for rows.Next() {
		var (
			e           core.OutboxEntry
			publishedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventSeq, &e.RoutingKey, &e.Payload,
			&e.Published, &publishedAt, &e.RetryCount, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PublishedAt = timePtr(publishedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkPublished records the bus acknowledgement for an entry
func (s *Store) MarkPublished(ctx context.Context, outboxID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE outbox SET published = ?, published_at = ?, last_error = ''
		WHERE outbox_id = ?`), true, at.UTC(), outboxID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox %s published: %w", outboxID, err)
	}
	return nil
}

// RecordPublishFailure bumps the retry counter; the entry stays pending
func (s *Store) RecordPublishFailure(ctx context.Context, outboxID string, cause string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE outbox SET retry_count = retry_count + 1, last_error = ?
		WHERE outbox_id = ?`), cause, outboxID)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}

// DeadLetterPrefix marks the last_error of an entry the publisher gave up on
const DeadLetterPrefix = "dead_letter: "

// DeadLetterOutbox retires an entry that kept failing. It leaves the pending
// set with its cause kept in last_error.
func (s *Store) DeadLetterOutbox(ctx context.Context, outboxID string, cause string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE outbox SET published = ?, published_at = ?,
			retry_count = retry_count + 1, last_error = ?
		WHERE outbox_id = ?`), true, at.UTC(), DeadLetterPrefix+cause, outboxID)
	if err != nil {
		return fmt.Errorf("failed to dead-letter outbox %s: %w", outboxID, err)
	}
	return nil
}

// CountDeadLettered counts entries retired by DeadLetterOutbox
func (s *Store) CountDeadLettered(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM outbox WHERE published = ? AND last_error LIKE ?`),
		true, DeadLetterPrefix+"%").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// CountUnpublished feeds the outbox backlog gauge
func (s *Store) CountUnpublished(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM outbox WHERE published = ?`), false).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}
