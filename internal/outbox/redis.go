package outbox

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// RedisTransport appends entries to a Redis stream. Each stream entry carries
// the event id so consumers can drop redeliveries.
type RedisTransport struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisTransport creates the redis transport. maxLen of zero leaves the stream untrimmed.
func NewRedisTransport(client redis.Cmdable, stream string, maxLen int64) *RedisTransport {
	return &RedisTransport{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Transport.
func (t *RedisTransport) Name() string { return "redis" }

// Deliver implements Transport.
func (t *RedisTransport) Deliver(ctx context.Context, entry model.OutboxEntry) error {
	args := &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{
			"event_id":  entry.EventID,
			"stream_id": streamIDOf(entry),
			"payload":   string(entry.Payload),
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return &TransportError{Transport: t.Name(), EventID: entry.EventID, Err: err}
	}
	return nil
}
