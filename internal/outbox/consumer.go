package outbox

import (
	"context"
	"fmt"
	"time"

	"stop_engine/internal/core"
)

// StreamReader is the read side of a stream bus
type StreamReader interface {
	Read(ctx context.Context, lastID string, count int64, block time.Duration) ([]StreamMessage, error)
}

// Handler processes one deduplicated message
type Handler func(ctx context.Context, msg StreamMessage) error

// Consumer tails a stream and hands each event id to the handler once
type Consumer struct {
	reader StreamReader
	dedup  Deduper
	logger core.ILogger

	lastID string
	block  time.Duration
	count  int64
}

// NewConsumer starts after lastID; "$" means only new messages
func NewConsumer(reader StreamReader, dedup Deduper, lastID string, logger core.ILogger) *Consumer {
	if lastID == "" {
		lastID = "$"
	}
	return &Consumer{
		reader: reader,
		dedup:  dedup,
		logger: logger.WithField("component", "outbox_consumer"),
		lastID: lastID,
		block:  5 * time.Second,
		count:  100,
	}
}

// LastID is the stream position after the last processed message
func (c *Consumer) LastID() string {
	return c.lastID
}

// Run reads until ctx ends. A handler error stops the consumer without
// advancing past the failed message.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := c.reader.Read(ctx, c.lastID, c.count, c.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Stream read failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if _, err := c.Process(ctx, msgs, handler); err != nil {
			return err
		}
	}
}

// Process applies the handler to a batch and returns how many were handled
// (duplicates excluded)
func (c *Consumer) Process(ctx context.Context, msgs []StreamMessage, handler Handler) (int, error) {
	handled := 0
	for _, msg := range msgs {
		first, err := c.dedup.Claim(ctx, msg.EventID)
		if err != nil {
			return handled, err
		}
		if first {
			if err := handler(ctx, msg); err != nil {
				if rerr := c.dedup.Release(ctx, msg.EventID); rerr != nil {
					c.logger.Error("Failed to release claim", "event_id", msg.EventID, "error", rerr.Error())
				}
				return handled, fmt.Errorf("handle %s: %w", msg.EventID, err)
			}
			handled++
		} else {
			c.logger.Debug("Duplicate event skipped", "event_id", msg.EventID, "stream_id", msg.ID)
		}
		c.lastID = msg.ID
	}
	return handled, nil
}
