package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EventsChannel is the Redis channel every gateway instance listens on.
const EventsChannel = "chat:events"

// Envelope is a server frame addressed to a set of users.
type Envelope struct {
	TargetIDs []int           `json:"target_ids"`
	Payload   json.RawMessage `json:"payload"`
}

// Broker carries envelopes to every gateway instance, including this one.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls handle for each envelope until ctx is done.
	Subscribe(ctx context.Context, handle func(Envelope)) error
}

type RedisBroker struct {
	client  *redis.Client
	channel string
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, channel: EventsChannel}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, handle func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reading.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			handle(env)
		}
	}
}

// LocalBroker keeps fan-out inside one process, for single-instance setups
// without Redis.
type LocalBroker struct {
	events chan Envelope
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{events: make(chan Envelope, 256)}
}

func (b *LocalBroker) Publish(ctx context.Context, env Envelope) error {
	select {
	case b.events <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Subscribe(ctx context.Context, handle func(Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.events:
			handle(env)
		}
	}
}
