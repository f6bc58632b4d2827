package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"stop_engine/internal/core"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen bounds the stream via XADD MAXLEN ~
const streamMaxLen int64 = 100000

// NewRedisClient parses a redis:// URL and verifies connectivity
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// StreamMessage is one event read back from the stream
type StreamMessage struct {
	ID         string
	EventID    string
	EventSeq   int64
	RoutingKey string
	Payload    []byte
}

// RedisStreamBus appends entries to a Redis stream. The XADD id is the ack.
type RedisStreamBus struct {
	rdb    *redis.Client
	stream string
}

func NewRedisStreamBus(rdb *redis.Client, stream string) *RedisStreamBus {
	if stream == "" {
		stream = "stop_engine:events"
	}
	return &RedisStreamBus{rdb: rdb, stream: stream}
}

func (b *RedisStreamBus) Name() string { return "redis" }

func (b *RedisStreamBus) Publish(ctx context.Context, entry *core.OutboxEntry) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id":    entry.EventID,
			"event_seq":   entry.EventSeq,
			"routing_key": entry.RoutingKey,
			"payload":     entry.Payload,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis: xadd %s: %w", b.stream, err)
	}
	return id, nil
}

// Read returns up to count messages after lastID, waiting up to block for
// new ones. No messages is not an error.
func (b *RedisStreamBus) Read(ctx context.Context, lastID string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: xread %s: %w", b.stream, err)
	}

	var out []StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			out = append(out, StreamMessage{
				ID:         msg.ID,
				EventID:    stringValue(msg.Values["event_id"]),
				EventSeq:   int64Value(msg.Values["event_seq"]),
				RoutingKey: stringValue(msg.Values["routing_key"]),
				Payload:    []byte(stringValue(msg.Values["payload"])),
			})
		}
	}
	return out, nil
}

func stringValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}

func int64Value(v interface{}) int64 {
	n, _ := strconv.ParseInt(stringValue(v), 10, 64)
	return n
}
