package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcore/broker"
	"chatcore/room"
)

type fakeSub struct {
	id string

	mu  sync.Mutex
	got [][]byte
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id} }

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	f.got = append(f.got, append([]byte(nil), payload...))
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) Close() error { return nil }

func (f *fakeSub) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.got))
	for i, p := range f.got {
		out[i] = string(p)
	}
	return out
}

// node is one simulated process: registry, broadcaster, bridge.
type node struct {
	reg    *room.Registry
	bridge *Bridge
}

func newNode(ps broker.PubSub, cfg Config) *node {
	reg := room.NewRegistry()
	local := room.NewBroadcaster(reg, time.Second, zerolog.Nop())
	return &node{
		reg:    reg,
		bridge: New(ps, reg, local, cfg, zerolog.Nop()),
	}
}

func fastConfig() Config {
	return Config{PendingBuffer: 8, ReconnectMin: 5 * time.Millisecond, ReconnectMax: 20 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCrossProcessDeliveryExactlyOnce(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(ps, fastConfig())
	b := newNode(ps, fastConfig())
	subA := newFakeSub("subA")
	subB := newFakeSub("subB")
	a.bridge.Join("r1", subA)
	b.bridge.Join("r1", subB)

	go a.bridge.Run(ctx)
	go b.bridge.Run(ctx)
	waitFor(t, "both bridges subscribed", func() bool {
		return a.bridge.State() == StateSubscribed && b.bridge.State() == StateSubscribed
	})

	a.bridge.Publish(ctx, "r1", []byte("hi"))

	waitFor(t, "delivery on both processes", func() bool {
		return len(subA.received()) >= 1 && len(subB.received()) >= 1
	})

	// No duplicates show up later: A must not re-deliver its own relayed
	// event, and B must see it exactly once.
	time.Sleep(100 * time.Millisecond)
	if got := subA.received(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("process A delivered %v, want exactly [hi]", got)
	}
	if got := subB.received(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("process B delivered %v, want exactly [hi]", got)
	}
}

func TestLocalDeliveryWithoutChannel(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	a := newNode(ps, fastConfig())
	sub := newFakeSub("s1")
	a.bridge.Join("r1", sub)

	// Bridge never ran: the channel is down, local delivery still works.
	rep := a.bridge.Publish(context.Background(), "r1", []byte("offline"))
	if rep.Attempted != 1 || rep.Succeeded != 1 {
		t.Fatalf("unexpected local report: %+v", rep)
	}
	if got := sub.received(); len(got) != 1 || got[0] != "offline" {
		t.Fatalf("local subscriber got %v", got)
	}
	if st := a.bridge.Stats(); st.Buffered != 1 {
		t.Fatalf("buffered = %d, want 1", st.Buffered)
	}
}

func TestPendingBufferFlushesOnConnect(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newNode(ps, fastConfig())
	subB := newFakeSub("subB")
	b.bridge.Join("r1", subB)
	go b.bridge.Run(ctx)
	waitFor(t, "receiver subscribed", func() bool { return b.bridge.State() == StateSubscribed })

	a := newNode(ps, fastConfig())
	subA := newFakeSub("subA")
	a.bridge.Join("r1", subA)

	// Publish before the bridge connects: events are held locally.
	a.bridge.Publish(ctx, "r1", []byte("one"))
	a.bridge.Publish(ctx, "r1", []byte("two"))
	if st := a.bridge.Stats(); st.Buffered != 2 {
		t.Fatalf("buffered = %d, want 2", st.Buffered)
	}

	go a.bridge.Run(ctx)

	waitFor(t, "buffered events flushed to the other process", func() bool {
		return len(subB.received()) == 2
	})
	got := subB.received()
	if got[0] != "one" || got[1] != "two" {
		t.Fatalf("flush order = %v, want [one two]", got)
	}
	if st := a.bridge.Stats(); st.Buffered != 0 {
		t.Fatalf("buffered = %d after flush, want 0", st.Buffered)
	}
}

func TestPendingBufferOverflowDropsOldest(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	a := newNode(ps, Config{PendingBuffer: 2, ReconnectMin: 5 * time.Millisecond, ReconnectMax: 20 * time.Millisecond})
	sub := newFakeSub("s1")
	a.bridge.Join("r1", sub)

	ctx := context.Background()
	a.bridge.Publish(ctx, "r1", []byte("one"))
	a.bridge.Publish(ctx, "r1", []byte("two"))
	a.bridge.Publish(ctx, "r1", []byte("three"))

	st := a.bridge.Stats()
	if st.Buffered != 2 {
		t.Fatalf("buffered = %d, want 2", st.Buffered)
	}
	if st.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", st.Dropped)
	}

	// The two surviving events are the newest ones.
	ev1, _ := a.bridge.pending.pop()
	ev2, _ := a.bridge.pending.pop()
	if string(ev1.Payload) != "two" || string(ev2.Payload) != "three" {
		t.Fatalf("surviving events = %q, %q; want two, three", ev1.Payload, ev2.Payload)
	}
}

func TestReconnectResubscribesInterests(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(ps, fastConfig())
	b := newNode(ps, fastConfig())
	subA := newFakeSub("subA")
	a.bridge.Join("r1", subA)
	go a.bridge.Run(ctx)
	go b.bridge.Run(ctx)
	waitFor(t, "initial subscribe", func() bool {
		return a.bridge.State() == StateSubscribed && b.bridge.State() == StateSubscribed
	})

	ps.Disconnect()

	// The bridge must notice the loss and come back on its own.
	waitFor(t, "resubscribe after disconnect", func() bool { return a.bridge.State() == StateSubscribed && a.bridge.Stats().Interests == 1 })

	// Give the fresh epoch's relay a moment, then prove replication works
	// again end to end.
	waitFor(t, "delivery after reconnect", func() bool {
		b.bridge.Publish(ctx, "r1", []byte("back"))
		return len(subA.received()) >= 1
	})
}

func TestJoinWhileSubscribedAddsRoom(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(ps, fastConfig())
	b := newNode(ps, fastConfig())
	go a.bridge.Run(ctx)
	go b.bridge.Run(ctx)
	waitFor(t, "bridges subscribed", func() bool {
		return a.bridge.State() == StateSubscribed && b.bridge.State() == StateSubscribed
	})

	// Join after the bridge reached steady state.
	subA := newFakeSub("subA")
	a.bridge.Join("r2", subA)

	waitFor(t, "late-joined room receives", func() bool {
		b.bridge.Publish(ctx, "r2", []byte("late"))
		return len(subA.received()) >= 1
	})
}

func TestRepeatedLeaveKeepsSurvivorSubscribed(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(ps, fastConfig())
	b := newNode(ps, fastConfig())
	leaver := newFakeSub("leaver")
	survivor := newFakeSub("survivor")
	a.bridge.Join("r1", leaver)
	a.bridge.Join("r1", survivor)

	go a.bridge.Run(ctx)
	go b.bridge.Run(ctx)
	waitFor(t, "bridges subscribed", func() bool {
		return a.bridge.State() == StateSubscribed && b.bridge.State() == StateSubscribed
	})

	// A timed-out connection leaves twice: once from the timeout callback
	// and once from its read loop cleanup. The second call must not release
	// the survivor's claim on the room's channel subscription.
	a.bridge.Leave("r1", leaver)
	a.bridge.Leave("r1", leaver)

	if st := a.bridge.Stats(); st.Interests != 1 {
		t.Fatalf("interests = %d after repeated leave, want 1", st.Interests)
	}
	waitFor(t, "survivor still receives cross-process events", func() bool {
		b.bridge.Publish(ctx, "r1", []byte("still on"))
		return len(survivor.received()) >= 1
	})
}

type deadSub struct{ id string }

func (d *deadSub) ID() string { return d.id }

func (d *deadSub) Send(ctx context.Context, payload []byte) error {
	return errors.New("write failed")
}

func (d *deadSub) Close() error { return nil }

func TestEvictionReleasesInterest(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	a := newNode(ps, fastConfig())
	dead := &deadSub{id: "dead"}
	a.bridge.Join("r1", dead)

	a.bridge.Publish(context.Background(), "r1", []byte("x"))

	if st := a.bridge.Stats(); st.Interests != 0 {
		t.Fatalf("interests = %d after eviction, want 0", st.Interests)
	}

	// The evicted session's read loop still calls Leave; the registry no
	// longer knows the subscriber, so the interest count must stay put.
	a.bridge.Leave("r1", dead)
	if st := a.bridge.Stats(); st.Interests != 0 {
		t.Fatalf("interests = %d after post-eviction leave, want 0", st.Interests)
	}
}

// gatedPubSub holds every Subscribe until the gate opens, pinning the bridge
// in the connecting state.
type gatedPubSub struct {
	*broker.MemoryPubSub
	gate chan struct{}
}

func (g *gatedPubSub) Subscribe(ctx context.Context, channel string) (<-chan broker.Message, error) {
	<-g.gate
	return g.MemoryPubSub.Subscribe(ctx, channel)
}

func TestJoinDuringConnectGetsWatched(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	gate := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := room.NewRegistry()
	local := room.NewBroadcaster(reg, time.Second, zerolog.Nop())
	a := &node{reg: reg, bridge: New(&gatedPubSub{MemoryPubSub: ps, gate: gate}, reg, local, fastConfig(), zerolog.Nop())}
	b := newNode(ps, fastConfig())
	go b.bridge.Run(ctx)

	// r0's blocked channel subscribe holds the bridge in Connecting.
	a.bridge.Join("r0", newFakeSub("s0"))
	go a.bridge.Run(ctx)
	waitFor(t, "bridge connecting", func() bool { return a.bridge.State() == StateConnecting })

	// This join lands after openEpoch snapshotted the interest set; it must
	// be picked up once the bridge reaches Subscribed, not wait for an
	// unrelated reconnect.
	late := newFakeSub("late")
	a.bridge.Join("r1", late)

	close(gate)
	waitFor(t, "bridge subscribed", func() bool { return a.bridge.State() == StateSubscribed })
	waitFor(t, "room joined during connect receives cross-process events", func() bool {
		b.bridge.Publish(ctx, "r1", []byte("hello"))
		return len(late.received()) >= 1
	})
}

func TestLeaveLastSubscriberDropsInterest(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	a := newNode(ps, fastConfig())
	sub := newFakeSub("s1")

	a.bridge.Join("r1", sub)
	if st := a.bridge.Stats(); st.Interests != 1 {
		t.Fatalf("interests = %d, want 1", st.Interests)
	}

	a.bridge.Leave("r1", sub)
	if st := a.bridge.Stats(); st.Interests != 0 {
		t.Fatalf("interests = %d after leave, want 0", st.Interests)
	}
	if a.reg.Count("r1") != 0 {
		t.Fatalf("registry still has members in r1")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	a := newNode(ps, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		a.bridge.Run(ctx)
		close(done)
	}()
	waitFor(t, "subscribed", func() bool { return a.bridge.State() == StateSubscribed })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if st := a.bridge.State(); st != StateDisconnected {
		t.Fatalf("state after shutdown = %v, want disconnected", st)
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := Event{Room: "r1", Payload: []byte(`{"text":"hi"}`), Origin: "p1", Seq: 7, SentAt: time.Now().UTC().Truncate(time.Millisecond)}
	data, err := ev.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Room != ev.Room || string(got.Payload) != string(ev.Payload) || got.Origin != ev.Origin || got.Seq != ev.Seq || !got.SentAt.Equal(ev.SentAt) {
		t.Fatalf("round trip mismatch: %+v != %+v", got, ev)
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(ctx context.Context, ev Event) error {
	return errors.New("disk full")
}

func TestRecorderFailureDoesNotBlockDelivery(t *testing.T) {
	ps := broker.NewMemoryPubSub()
	a := newNode(ps, fastConfig())
	a.bridge.SetRecorder(failingRecorder{})
	sub := newFakeSub("s1")
	a.bridge.Join("r1", sub)

	rep := a.bridge.Publish(context.Background(), "r1", []byte("x"))
	if rep.Succeeded != 1 {
		t.Fatalf("delivery blocked by recorder failure: %+v", rep)
	}
}
