package room

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultSendTimeout = 5 * time.Second

// DeliveryReport summarizes one local broadcast attempt.
type DeliveryReport struct {
	Attempted int
	Succeeded int
	Evicted   []Subscriber
}

// Broadcaster delivers payloads to every subscriber of a room on this
// process. A failed or timed-out send marks the subscriber dead: it is
// evicted from the registry and its connection closed, and delivery to the
// remaining subscribers continues. There are no retries at this layer.
type Broadcaster struct {
	reg         *Registry
	sendTimeout time.Duration
	log         zerolog.Logger

	evicted uint64
}

func NewBroadcaster(reg *Registry, sendTimeout time.Duration, log zerolog.Logger) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Broadcaster{reg: reg, sendTimeout: sendTimeout, log: log}
}

// Broadcast sends payload to every subscriber in the room's snapshot at call
// time. Sends run in join order, one at a time, so deliveries within a room
// keep the order Broadcast calls occur in.
func (b *Broadcaster) Broadcast(ctx context.Context, roomID string, payload []byte) DeliveryReport {
	members := b.reg.Members(roomID)
	report := DeliveryReport{Attempted: len(members)}

	for _, sub := range members {
		sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		err := sub.Send(sendCtx, payload)
		cancel()

		if err != nil {
			b.reg.Unsubscribe(roomID, sub)
			sub.Close()
			report.Evicted = append(report.Evicted, sub)
			atomic.AddUint64(&b.evicted, 1)
			b.log.Debug().Err(err).Str("room", roomID).Str("subscriber", sub.ID()).Msg("send failed; subscriber evicted")
			continue
		}
		report.Succeeded++
	}

	return report
}

// EvictedTotal reports the lifetime count of subscribers evicted after a
// failed send.
func (b *Broadcaster) EvictedTotal() uint64 {
	return atomic.LoadUint64(&b.evicted)
}
