// Package outbox relays committed ledger events to external buses
package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"stop_engine/internal/core"
	"stop_engine/pkg/telemetry"
)

// Store is the outbox side of the event log
type Store interface {
	FetchUnpublished(ctx context.Context, limit int) ([]*core.OutboxEntry, error)
	MarkPublished(ctx context.Context, outboxID string, at time.Time) error
	RecordPublishFailure(ctx context.Context, outboxID string, cause string) error
	DeadLetterOutbox(ctx context.Context, outboxID string, cause string, at time.Time) error
	CountUnpublished(ctx context.Context) (int64, error)
}

// Bus delivers one entry and returns the bus acknowledgement id. An entry
// counts as published only once Publish returns without error.
type Bus interface {
	Name() string
	Publish(ctx context.Context, entry *core.OutboxEntry) (string, error)
}

// Config tunes the polling loop
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxRetries is the number of failed deliveries after which an entry is
	// dead-lettered and the entries behind it move on
	MaxRetries int
}

// Stats describes one publish pass
type Stats struct {
	Published    int   `json:"published"`
	Failed       int   `json:"failed"`
	DeadLettered int   `json:"dead_lettered"`
	Pending      int64 `json:"pending"`
}

// Publisher polls unpublished entries and hands them to the bus in log order
type Publisher struct {
	store  Store
	bus    Bus
	config Config
	logger core.ILogger
	now    func() time.Time

	running int32
}

func NewPublisher(store Store, bus Bus, config Config, logger core.ILogger) *Publisher {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 20
	}
	return &Publisher{
		store:  store,
		bus:    bus,
		config: config,
		logger: logger.WithField("component", "outbox_publisher"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run publishes until ctx ends
func (p *Publisher) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("outbox publisher is already running")
	}
	defer atomic.StoreInt32(&p.running, 0)

	p.logger.Info("Outbox publisher started", "bus", p.bus.Name(), "interval", p.config.PollInterval.String())
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Outbox pass failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PublishOnce drains one batch. The batch stops at the first bus failure so
// later events never overtake an earlier one, unless that entry has used up
// MaxRetries and is dead-lettered.
func (p *Publisher) PublishOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	entries, err := p.store.FetchUnpublished(ctx, p.config.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, entry := range entries {
		ack, err := p.bus.Publish(ctx, entry)
		telemetry.GetGlobalMetrics().RecordOutbox(ctx, entry.RoutingKey, err == nil)
		if err != nil {
			stats.Failed++
			if entry.RetryCount+1 >= p.config.MaxRetries {
				if derr := p.store.DeadLetterOutbox(ctx, entry.ID, err.Error(), p.now()); derr != nil {
					return stats, derr
				}
				stats.DeadLettered++
				p.logger.Error("Outbox entry dead-lettered",
					"event_id", entry.EventID,
					"routing_key", entry.RoutingKey,
					"retry_count", entry.RetryCount+1,
					"error", err.Error())
				continue
			}
			p.logger.Warn("Outbox delivery failed",
				"event_id", entry.EventID,
				"routing_key", entry.RoutingKey,
				"retry_count", entry.RetryCount+1,
				"error", err.Error())
			if rerr := p.store.RecordPublishFailure(ctx, entry.ID, err.Error()); rerr != nil {
				return stats, rerr
			}
			break
		}
		if err := p.store.MarkPublished(ctx, entry.ID, p.now()); err != nil {
			// the entry is delivered again next pass; consumers dedupe by event id
			return stats, err
		}
		stats.Published++
		p.logger.Debug("Outbox entry published", "event_id", entry.EventID, "ack", ack)
	}

	pending, err := p.store.CountUnpublished(ctx)
	if err != nil {
		return stats, err
	}
	stats.Pending = pending
	telemetry.GetGlobalMetrics().SetOutboxPending(pending)
	return stats, nil
}
