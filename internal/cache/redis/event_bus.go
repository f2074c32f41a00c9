package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// streamMaxLen is the approximate length events:stream is trimmed to.
const streamMaxLen int64 = 10000

var (
	eventsChannel = keyPrefix + "events"
	eventsStream  = keyPrefix + "events:stream"
)

// EventBus implements domain.EventBus with Pub/Sub for live fan-out and a
// capped stream for late readers.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish sends every record to subscribers and appends it to the stream in
// one pipeline.
func (b *EventBus) Publish(ctx context.Context, events []domain.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis: encode event %d: %w", e.Seq, err)
		}
		pipe.Publish(ctx, eventsChannel, payload)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: eventsStream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]any{"payload": payload},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish events: %w", err)
	}
	return nil
}

// Subscribe streams records published by any node until ctx is done, then
// closes the returned channel.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.EventRecord, error) {
	pubsub := b.rdb.Subscribe(ctx, eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", eventsChannel, err)
	}

	out := make(chan domain.EventRecord, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec domain.EventRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					slog.Warn("redis: dropping undecodable event", "error", err)
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to count records from the stream, oldest first.
func (b *EventBus) Recent(ctx context.Context, count int64) ([]domain.EventRecord, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, eventsStream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", eventsStream, err)
	}
	out := make([]domain.EventRecord, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["payload"].(string)
		if !ok {
			continue
		}
		var rec domain.EventRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ domain.EventBus = (*EventBus)(nil)
