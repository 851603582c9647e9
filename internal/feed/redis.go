// Package feed pushes broadcast events to Redis so downstream subscribers
// can react without polling /sync. The Postgres event log stays the source of
// truth; this channel is best-effort fan-out.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"synapse/api/internal/store"
)

const (
	// Channel carries one JSON-encoded BroadcastEvent per message.
	Channel = "synapse:events"
	// WatermarkKey holds the created_at of the latest published event.
	WatermarkKey = "synapse:events:watermark"
)

type RedisBroadcaster struct {
	client *redis.Client
}

func NewRedisBroadcaster(redisURL string) (*RedisBroadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBroadcaster{client: client}, nil
}

// NewRedisBroadcasterWithClient wraps an existing client, used by tests.
func NewRedisBroadcasterWithClient(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

// Publish sends the event to the channel and advances the watermark.
func (b *RedisBroadcaster) Publish(ctx context.Context, event store.BroadcastEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if err := b.client.Set(ctx, WatermarkKey, event.CreatedAt.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// Watermark returns the created_at of the latest published event, or the zero
// time when nothing has been published yet.
func (b *RedisBroadcaster) Watermark(ctx context.Context) (time.Time, error) {
	value, err := b.client.Get(ctx, WatermarkKey).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark: %w", err)
	}
	return ts, nil
}

func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
