package outbox

import (
	"context"
	"encoding/json"

	"stop_engine/internal/core"
	"stop_engine/pkg/liveserver"
)

// LiveBus pushes every entry to connected dashboards. Delivery is best
// effort: a full broadcast queue drops the frame but still acknowledges.
type LiveBus struct {
	hub *liveserver.Hub
}

func NewLiveBus(hub *liveserver.Hub) *LiveBus {
	return &LiveBus{hub: hub}
}

func (b *LiveBus) Name() string { return "live" }

func (b *LiveBus) Publish(_ context.Context, entry *core.OutboxEntry) (string, error) {
	msg := liveserver.Message{
		Type: liveserver.TypeEvent,
		Key:  entry.RoutingKey,
		Data: json.RawMessage(entry.Payload),
	}
	if !b.hub.Broadcast(msg) {
		return "dropped", nil
	}
	return "broadcast", nil
}
