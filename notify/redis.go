package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamClient is the subset of *redis.Client used for event streams.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisStreamPublisher appends events to a capped Redis stream.
type RedisStreamPublisher struct {
	client StreamClient
	stream string
	maxLen int64
}

var _ Publisher = (*RedisStreamPublisher)(nil)

func NewRedisStreamPublisher(client StreamClient, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("notify: encode %s payload: %w", e.Type, err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":        e.ID,
			"type":      string(e.Type),
			"entity_id": e.EntityID,
			"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("notify: xadd %s: %w", e.Type, err)
	}
	return nil
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}
