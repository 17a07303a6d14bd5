package redis

import (
	"context"
	"encoding/json"

	"provflow/internal/domain"

	"github.com/redis/go-redis/v9"
)

const lifecycleChannel = "provflow:events:lifecycle"

// EventBus publishes lifecycle transition events over Redis pub/sub and hands
// subscribers a plain Go channel.
type EventBus struct {
	client  *redis.Client
	channel string
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{
		client:  client,
		channel: lifecycleChannel,
	}
}

func (b *EventBus) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe opens a continuous event stream. The returned channel closes when
// ctx is cancelled.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.LifecycleEvent, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)

	events := make(chan domain.LifecycleEvent)
	go func() {
		defer close(events)
		defer pubsub.Close()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				// ctx cancelled or connection gone; either way the stream ends.
				return
			}
			var event domain.LifecycleEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
