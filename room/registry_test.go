package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeSub struct {
	id string

	mu      sync.Mutex
	got     [][]byte
	failing bool
	closed  bool
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id} }

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("send failed")
	}
	f.got = append(f.got, append([]byte(nil), payload...))
	return nil
}

func (f *fakeSub) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.got))
	copy(out, f.got)
	return out
}

func (f *fakeSub) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func memberIDs(reg *Registry, roomID string) map[string]bool {
	ids := make(map[string]bool)
	for _, sub := range reg.Members(roomID) {
		ids[sub.ID()] = true
	}
	return ids
}

func TestSubscribeIdempotent(t *testing.T) {
	reg := NewRegistry()
	sub := newFakeSub("s1")

	reg.Subscribe("r1", sub)
	reg.Subscribe("r1", sub)

	if got := reg.Count("r1"); got != 1 {
		t.Fatalf("expected 1 member after duplicate subscribe, got %d", got)
	}
}

func TestUnsubscribeAbsentIsNoop(t *testing.T) {
	reg := NewRegistry()
	sub := newFakeSub("s1")

	reg.Unsubscribe("r1", sub)

	reg.Subscribe("r1", sub)
	reg.Unsubscribe("r1", sub)
	reg.Unsubscribe("r1", sub)

	if got := reg.Count("r1"); got != 0 {
		t.Fatalf("expected empty room, got %d members", got)
	}
}

func TestMembersTracksSubscriptionSequence(t *testing.T) {
	reg := NewRegistry()
	a := newFakeSub("a")
	b := newFakeSub("b")
	c := newFakeSub("c")

	reg.Subscribe("r1", a)
	reg.Subscribe("r1", b)
	reg.Subscribe("r1", c)
	reg.Unsubscribe("r1", b)

	ids := memberIDs(reg, "r1")
	if !ids["a"] || !ids["c"] {
		t.Fatalf("expected a and c present, got %v", ids)
	}
	if ids["b"] {
		t.Fatalf("unsubscribed member b still present")
	}
}

func TestSubscriberInAtMostOneRoom(t *testing.T) {
	reg := NewRegistry()
	sub := newFakeSub("s1")

	reg.Subscribe("r1", sub)
	reg.Subscribe("r2", sub)

	if got := reg.Count("r1"); got != 0 {
		t.Fatalf("expected subscriber moved out of r1, still %d members", got)
	}
	if got := reg.Count("r2"); got != 1 {
		t.Fatalf("expected subscriber in r2, got %d members", got)
	}
}

func TestEmptyRoomIsDropped(t *testing.T) {
	reg := NewRegistry()
	sub := newFakeSub("s1")

	reg.Subscribe("r1", sub)
	reg.Unsubscribe("r1", sub)

	if rooms := reg.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %v", rooms)
	}
}

func TestCloseAll(t *testing.T) {
	reg := NewRegistry()
	a := newFakeSub("a")
	b := newFakeSub("b")
	reg.Subscribe("r1", a)
	reg.Subscribe("r2", b)

	reg.CloseAll()

	if !a.isClosed() || !b.isClosed() {
		t.Fatalf("expected all subscribers closed")
	}
	if rooms := reg.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected no rooms after CloseAll, got %v", rooms)
	}
}

func TestSubscribeReportsMembershipChange(t *testing.T) {
	reg := NewRegistry()
	sub := newFakeSub("s1")

	if !reg.Subscribe("r1", sub) {
		t.Fatalf("first subscribe reported no change")
	}
	if reg.Subscribe("r1", sub) {
		t.Fatalf("duplicate subscribe reported a change")
	}
	if !reg.Subscribe("r2", sub) {
		t.Fatalf("move to another room reported no change")
	}
	if !reg.Unsubscribe("r2", sub) {
		t.Fatalf("unsubscribe of a member reported no change")
	}
	if reg.Unsubscribe("r2", sub) {
		t.Fatalf("repeated unsubscribe reported a change")
	}
	if reg.Unsubscribe("r1", newFakeSub("s2")) {
		t.Fatalf("unsubscribe of an absent subscriber reported a change")
	}
}

func TestSubscribeVisibleDespiteChurn(t *testing.T) {
	reg := NewRegistry()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Another member churns in and out of the room; its unsubscribes keep
	// emptying the room and dropping the set.
	wg.Add(1)
	go func() {
		defer wg.Done()
		churn := newFakeSub("churn")
		for {
			select {
			case <-stop:
				return
			default:
				reg.Subscribe("r1", churn)
				reg.Unsubscribe("r1", churn)
			}
		}
	}()

	target := newFakeSub("target")
	for i := 0; i < 500; i++ {
		reg.Subscribe("r1", target)
		if !memberIDs(reg, "r1")["target"] {
			t.Fatalf("subscriber missing from Members right after Subscribe (iteration %d)", i)
		}
		reg.Unsubscribe("r1", target)
	}
	close(stop)
	wg.Wait()
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := newFakeSub(fmt.Sprintf("s%d", n))
			roomID := fmt.Sprintf("r%d", n%4)
			for j := 0; j < 100; j++ {
				reg.Subscribe(roomID, sub)
				reg.Members(roomID)
				reg.Unsubscribe(roomID, sub)
			}
		}(i)
	}
	wg.Wait()

	for _, roomID := range reg.Rooms() {
		if reg.Count(roomID) != 0 {
			t.Fatalf("room %s not empty after all unsubscribes", roomID)
		}
	}
}
