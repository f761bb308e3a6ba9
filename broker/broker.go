package broker

import (
	"context"
)

// Message is the raw envelope delivered on a pub/sub channel.
type Message struct {
	Channel string
	Payload []byte
}

// PubSub is the shared channel used to replicate room events across
// processes. Subscribe returns a receive channel that stays open until the
// context is cancelled or the underlying connection is lost; a channel that
// closes while the context is still live means the subscription died and the
// caller should resubscribe.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	Close() error
}
