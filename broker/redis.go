package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	maxPublishRetries = 3
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 5 * time.Second
)

// RedisPubSub implements PubSub using Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisPubSub connects to Redis and verifies the connection before
// returning.
func NewRedisPubSub(addr string, log zerolog.Logger) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisPubSub{client: client, log: log}, nil
}

// Publish sends a payload to the specified channel with retry capability.
func (b *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	operation := func() error {
		return b.client.Publish(ctx, channel, payload).Err()
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxPublishRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		b.log.Warn().Err(err).Str("channel", channel).Dur("next_attempt_in", d).Msg("retrying redis publish")
	})
}

// Subscribe starts listening for messages on the specified channel. The
// returned channel is closed when ctx is cancelled or the Redis subscription
// breaks.
func (b *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Confirm the subscription before handing out a channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message)

	go func() {
		defer pubsub.Close()
		defer close(messages)

		msgChan := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgChan:
				if !ok {
					return
				}
				select {
				case messages <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return messages, nil
}

// Close cleans up resources.
func (b *RedisPubSub) Close() error {
	return b.client.Close()
}
