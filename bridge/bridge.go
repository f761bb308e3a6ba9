package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/broker"
	"chatcore/room"
)

// Recorder receives every event delivered locally, for message history.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Config controls the bridge's buffering and reconnect behavior.
type Config struct {
	// PendingBuffer bounds the number of events held while the channel is
	// unavailable; overflow drops the oldest buffered event.
	PendingBuffer int
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PendingBuffer <= 0 {
		c.PendingBuffer = 256
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 100 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 5 * time.Second
	}
	return c
}

// Bridge replicates room events across processes over a shared pub/sub
// channel. Publishing delivers locally first and never waits on the channel;
// a channel outage degrades to single-process delivery while the bridge
// reconnects in the background.
type Bridge struct {
	pubsub   broker.PubSub
	reg      *room.Registry
	local    *room.Broadcaster
	log      zerolog.Logger
	cfg      Config
	origin   string
	recorder Recorder

	seq     uint64
	dropped uint64

	// lossCh carries at most one pending loss signal; duplicates collapse.
	lossCh chan struct{}

	mu        sync.Mutex
	state     State
	interests map[string]int
	pending   *ring
	epoch     *epoch
}

// epoch is one subscription generation. A reconnect tears the whole epoch
// down and builds a fresh one.
type epoch struct {
	ctx        context.Context
	cancelRoom map[string]context.CancelFunc
}

func New(pubsub broker.PubSub, reg *room.Registry, local *room.Broadcaster, cfg Config, log zerolog.Logger) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		pubsub:    pubsub,
		reg:       reg,
		local:     local,
		log:       log,
		cfg:       cfg,
		origin:    uuid.NewString(),
		lossCh:    make(chan struct{}, 1),
		interests: make(map[string]int),
		pending:   newRing(cfg.PendingBuffer),
	}
}

// Origin is this process's identity on the shared channel.
func (b *Bridge) Origin() string { return b.origin }

// SetRecorder installs the history hook. Call before Run.
func (b *Bridge) SetRecorder(r Recorder) { b.recorder = r }

// Join registers sub in the room and ensures the bridge listens on that
// room's channel. A Join that lands between openEpoch's interest snapshot
// and the Subscribed transition is picked up by watchMissing.
func (b *Bridge) Join(roomID string, sub room.Subscriber) {
	if !b.reg.Subscribe(roomID, sub) {
		return
	}

	b.mu.Lock()
	b.interests[roomID]++
	first := b.interests[roomID] == 1
	ep := b.epoch
	st := b.state
	b.mu.Unlock()

	if first && st == StateSubscribed && ep != nil {
		if err := b.watchRoom(ep, roomID); err != nil {
			b.log.Warn().Err(err).Str("room", roomID).Msg("room subscription failed")
			b.signalLoss()
		}
	}
}

// Leave removes sub from the room; when the last local subscriber leaves,
// the bridge stops listening on the room's channel. The interest count is
// decremented only when sub was actually still a member, so a Leave repeated
// for the same session (timeout callback plus read-loop cleanup) cannot
// unsubscribe a room that still has members.
func (b *Bridge) Leave(roomID string, sub room.Subscriber) {
	if !b.reg.Unsubscribe(roomID, sub) {
		return
	}
	b.dropInterest(roomID)
}

// dropInterest releases one membership's claim on the room's channel
// subscription, cancelling the watch when it was the last one.
func (b *Bridge) dropInterest(roomID string) {
	b.mu.Lock()
	if c := b.interests[roomID]; c > 0 {
		b.interests[roomID] = c - 1
	}
	var cancel context.CancelFunc
	if b.interests[roomID] <= 0 {
		delete(b.interests, roomID)
		if b.epoch != nil {
			cancel = b.epoch.cancelRoom[roomID]
			delete(b.epoch.cancelRoom, roomID)
		}
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// dropEvicted releases the interests held by subscribers the broadcaster
// evicted. Their read loops will still call Leave, but by then the registry
// no longer knows them and Leave changes nothing.
func (b *Bridge) dropEvicted(roomID string, rep room.DeliveryReport) {
	for range rep.Evicted {
		b.dropInterest(roomID)
	}
}

// Publish delivers payload to this process's local subscribers immediately
// and replicates it to other processes via the shared channel. While the
// channel is unavailable the event is held in the bounded pending buffer.
func (b *Bridge) Publish(ctx context.Context, roomID string, payload []byte) room.DeliveryReport {
	ev := Event{
		Room:    roomID,
		Payload: payload,
		Origin:  b.origin,
		Seq:     atomic.AddUint64(&b.seq, 1),
		SentAt:  time.Now().UTC(),
	}

	// Local delivery first; it must not wait on the shared channel.
	rep := b.local.Broadcast(ctx, roomID, payload)
	b.dropEvicted(roomID, rep)
	b.record(ctx, ev)

	b.mu.Lock()
	if b.state != StateSubscribed {
		b.bufferLocked(ev)
		b.mu.Unlock()
		return rep
	}
	b.mu.Unlock()

	if err := b.publishEvent(ctx, ev); err != nil {
		b.log.Warn().Err(err).Str("room", roomID).Msg("channel publish failed; buffering event")
		b.mu.Lock()
		b.bufferLocked(ev)
		b.mu.Unlock()
		b.signalLoss()
	}
	return rep
}

// Run drives the connection state machine until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	defer b.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(b.cfg.ReconnectMin),
		backoff.WithMaxInterval(b.cfg.ReconnectMax),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		if ctx.Err() != nil {
			return
		}
		b.setState(StateConnecting)

		epCtx, cancel := context.WithCancel(ctx)
		ep := &epoch{ctx: epCtx, cancelRoom: make(map[string]context.CancelFunc)}

		if err := b.openEpoch(ep); err != nil {
			cancel()
			b.setState(StateReconnecting)
			b.log.Warn().Err(err).Msg("channel unavailable; reconnecting")
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		b.setState(StateSubscribed)
		b.watchMissing(ep)
		b.flushPending(ctx)

		select {
		case <-ctx.Done():
			cancel()
			return
		case <-b.lossCh:
			cancel()
			b.clearEpoch(ep)
			b.setState(StateReconnecting)
			b.log.Warn().Msg("channel subscription lost; reconnecting")
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return
			}
		}
	}
}

// openEpoch installs ep as the live epoch and subscribes to every room in
// the interest set.
func (b *Bridge) openEpoch(ep *epoch) error {
	b.mu.Lock()
	// Clear any stale loss signal from the previous epoch.
	select {
	case <-b.lossCh:
	default:
	}
	b.epoch = ep
	rooms := make([]string, 0, len(b.interests))
	for id := range b.interests {
		rooms = append(rooms, id)
	}
	b.mu.Unlock()

	for _, id := range rooms {
		if err := b.watchRoom(ep, id); err != nil {
			b.clearEpoch(ep)
			return err
		}
	}
	return nil
}

func (b *Bridge) clearEpoch(ep *epoch) {
	b.mu.Lock()
	if b.epoch == ep {
		b.epoch = nil
	}
	b.mu.Unlock()
}

// watchRoom subscribes to the room's channel within the epoch and starts the
// relay loop for inbound events. The cancelRoom slot is reserved before the
// subscribe call, so a concurrent Join and watchMissing racing on the same
// room produce one subscription, not two.
func (b *Bridge) watchRoom(ep *epoch, roomID string) error {
	roomCtx, cancel := context.WithCancel(ep.ctx)

	b.mu.Lock()
	if b.epoch != ep || ep.cancelRoom[roomID] != nil {
		b.mu.Unlock()
		cancel()
		return nil
	}
	ep.cancelRoom[roomID] = cancel
	b.mu.Unlock()

	msgs, err := b.pubsub.Subscribe(roomCtx, channelFor(roomID))
	if err != nil {
		cancel()
		b.mu.Lock()
		if b.epoch == ep {
			delete(ep.cancelRoom, roomID)
		}
		b.mu.Unlock()
		return err
	}

	go b.relay(roomCtx, msgs)
	return nil
}

// watchMissing subscribes to any room whose interest arrived after openEpoch
// snapshotted the interest set but before the state reached Subscribed; such
// a Join skips watchRoom because the state check fails, and without this pass
// the room would stay deaf to cross-process events until the next reconnect.
func (b *Bridge) watchMissing(ep *epoch) {
	b.mu.Lock()
	if b.epoch != ep {
		b.mu.Unlock()
		return
	}
	var missing []string
	for id := range b.interests {
		if ep.cancelRoom[id] == nil {
			missing = append(missing, id)
		}
	}
	b.mu.Unlock()

	for _, id := range missing {
		if err := b.watchRoom(ep, id); err != nil {
			b.log.Warn().Err(err).Str("room", id).Msg("room subscription failed")
			b.signalLoss()
			return
		}
	}
}

// relay feeds inbound channel events into the local broadcaster. Events this
// process published are skipped: they were already delivered at publish time.
func (b *Bridge) relay(ctx context.Context, msgs <-chan broker.Message) {
	for msg := range msgs {
		ev, err := decodeEvent(msg.Payload)
		if err != nil {
			b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable event")
			continue
		}
		if ev.Origin == b.origin {
			continue
		}
		rep := b.local.Broadcast(ctx, ev.Room, ev.Payload)
		b.dropEvicted(ev.Room, rep)
		b.record(ctx, ev)
		b.log.Debug().Str("room", ev.Room).Str("origin", ev.Origin).Uint64("seq", ev.Seq).
			Int("attempted", rep.Attempted).Int("succeeded", rep.Succeeded).Msg("relayed event")
	}
	if ctx.Err() == nil {
		b.signalLoss()
	}
}

func (b *Bridge) publishEvent(ctx context.Context, ev Event) error {
	data, err := ev.encode()
	if err != nil {
		return err
	}
	return b.pubsub.Publish(ctx, channelFor(ev.Room), data)
}

func (b *Bridge) flushPending(ctx context.Context) {
	for {
		b.mu.Lock()
		ev, ok := b.pending.pop()
		b.mu.Unlock()
		if !ok {
			return
		}
		if err := b.publishEvent(ctx, ev); err != nil {
			b.log.Warn().Err(err).Str("room", ev.Room).Msg("flush failed; re-buffering event")
			b.mu.Lock()
			b.bufferLocked(ev)
			b.mu.Unlock()
			b.signalLoss()
			return
		}
	}
}

// bufferLocked appends ev to the pending buffer; caller holds b.mu.
func (b *Bridge) bufferLocked(ev Event) {
	if b.pending.push(ev) {
		atomic.AddUint64(&b.dropped, 1)
	}
}

func (b *Bridge) record(ctx context.Context, ev Event) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.Record(ctx, ev); err != nil {
		b.log.Warn().Err(err).Str("room", ev.Room).Msg("history record failed")
	}
}

func (b *Bridge) signalLoss() {
	select {
	case b.lossCh <- struct{}{}:
	default:
	}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()
	if prev != s {
		b.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("bridge state changed")
	}
}

// State reports the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	State     State
	Interests int
	Buffered  int
	Dropped   uint64
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		State:     b.state,
		Interests: len(b.interests),
		Buffered:  b.pending.len(),
	}
	b.mu.Unlock()
	st.Dropped = atomic.LoadUint64(&b.dropped)
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
