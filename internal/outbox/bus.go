package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stop_engine/internal/core"
)

// LogBus writes every entry to the structured log
type LogBus struct {
	logger core.ILogger
}

func NewLogBus(logger core.ILogger) *LogBus {
	return &LogBus{logger: logger.WithField("bus", "log")}
}

func (b *LogBus) Name() string { return "log" }

func (b *LogBus) Publish(_ context.Context, entry *core.OutboxEntry) (string, error) {
	b.logger.Info("Event",
		"event_id", entry.EventID,
		"event_seq", entry.EventSeq,
		"routing_key", entry.RoutingKey)
	return "log:" + entry.EventID, nil
}

// FanoutBus delivers to every bus and succeeds only when all of them did.
// A retry redelivers to buses that already acknowledged.
type FanoutBus struct {
	buses []Bus
}

func NewFanoutBus(buses ...Bus) *FanoutBus {
	return &FanoutBus{buses: buses}
}

func (b *FanoutBus) Name() string {
	names := make([]string, len(b.buses))
	for i, bus := range b.buses {
		names[i] = bus.Name()
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

func (b *FanoutBus) Publish(ctx context.Context, entry *core.OutboxEntry) (string, error) {
	acks := make([]string, 0, len(b.buses))
	var errs []error
	for _, bus := range b.buses {
		ack, err := bus.Publish(ctx, entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", bus.Name(), err))
			continue
		}
		acks = append(acks, bus.Name()+"="+ack)
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return strings.Join(acks, ";"), nil
}
