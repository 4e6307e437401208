package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// historyLen is the approximate number of events kept per channel for
// late subscribers.
const historyLen int64 = 1000

// EventBus implements domain.EventBus with Pub/Sub for live delivery and a
// capped stream per channel so new subscribers can replay recent events.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

func historyKey(channel string) string {
	return keyPrefix + "history:" + channel
}

// Publish delivers payload to live subscribers and appends it to the
// channel history.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	pipe := b.rdb.TxPipeline()
	pipe.Publish(ctx, channel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: historyKey(channel),
		MaxLen: historyLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads that is closed when ctx is
// cancelled. Glob patterns use PSUBSCRIBE.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = b.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = b.rdb.Subscribe(ctx, channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
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
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to n of the latest payloads on channel, oldest first.
func (b *EventBus) Recent(ctx context.Context, channel string, n int) ([][]byte, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, historyKey(channel), "+", "-", int64(n)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: history %s: %w", channel, err)
	}
	out := make([][]byte, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if p, ok := payloadOf(msgs[i].Values); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func payloadOf(values map[string]any) ([]byte, bool) {
	switch v := values["payload"].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

var _ domain.EventBus = (*EventBus)(nil)
