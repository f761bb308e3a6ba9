package room

import (
	"context"
	"sync"
)

// Subscriber is a live connection handle registered to a room. Send may
// block on network I/O; callers bound it with the context.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Registry maps room IDs to the set of locally connected subscribers. Rooms
// are created lazily on first subscribe and dropped when the last subscriber
// leaves; an empty or unknown room is not an error.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*roomSet
	// byID tracks which room each subscriber currently sits in, so a
	// subscriber can never appear in two rooms at once.
	byID map[string]string
}

type roomSet struct {
	mu   sync.Mutex
	subs map[string]Subscriber
	// order preserves join order so Members snapshots are stable.
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*roomSet),
		byID:  make(map[string]string),
	}
}

// Subscribe adds sub to the room and reports whether membership changed.
// Adding an already-present subscriber is a no-op. If the subscriber is
// attached to a different room it is moved. The room set is mutated while
// r.mu is held, so a concurrent unsubscribe of the room's last other member
// cannot drop the set between the lookup and the insert.
func (r *Registry) Subscribe(roomID string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[sub.ID()]; ok {
		if prev == roomID {
			return false
		}
		r.removeLocked(prev, sub.ID())
	}
	set, ok := r.rooms[roomID]
	if !ok {
		set = &roomSet{subs: make(map[string]Subscriber)}
		r.rooms[roomID] = set
	}
	r.byID[sub.ID()] = roomID

	set.mu.Lock()
	set.subs[sub.ID()] = sub
	set.order = append(set.order, sub.ID())
	set.mu.Unlock()
	return true
}

// Unsubscribe removes sub from the room and reports whether it was actually
// a member; removing an absent subscriber is a no-op.
func (r *Registry) Unsubscribe(roomID string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[sub.ID()]; !ok || prev != roomID {
		return false
	}
	r.removeLocked(roomID, sub.ID())
	return true
}

// removeLocked drops the subscriber from its room set; caller holds r.mu.
func (r *Registry) removeLocked(roomID, subID string) {
	delete(r.byID, subID)
	set, ok := r.rooms[roomID]
	if !ok {
		return
	}
	set.mu.Lock()
	if _, present := set.subs[subID]; present {
		delete(set.subs, subID)
		for i, id := range set.order {
			if id == subID {
				set.order = append(set.order[:i], set.order[i+1:]...)
				break
			}
		}
	}
	empty := len(set.subs) == 0
	set.mu.Unlock()
	if empty {
		delete(r.rooms, roomID)
	}
}

// Members returns a snapshot of the room's subscribers in join order. The
// snapshot does not track later joins or leaves.
func (r *Registry) Members(roomID string) []Subscriber {
	r.mu.RLock()
	set, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]Subscriber, 0, len(set.subs))
	for _, id := range set.order {
		out = append(out, set.subs[id])
	}
	return out
}

// Count reports the number of subscribers currently in the room.
func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	set, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}

// Rooms returns the IDs of all rooms that currently have subscribers.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	return out
}

// CloseAll unsubscribes and closes every subscriber, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []Subscriber
	for _, set := range r.rooms {
		set.mu.Lock()
		for _, sub := range set.subs {
			all = append(all, sub)
		}
		set.mu.Unlock()
	}
	r.rooms = make(map[string]*roomSet)
	r.byID = make(map[string]string)
	r.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}
