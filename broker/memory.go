package broker

import (
	"context"
	"sync"
)

// MemoryPubSub is a process-local PubSub used for tests and single-node runs.
// It mirrors the Redis implementation's delivery semantics: every active
// subscriber of a channel receives its own copy of each published payload.
type MemoryPubSub struct {
	mu     sync.Mutex
	nextID int
	closed bool
	subs   map[string]map[int]*memorySub
}

type memorySub struct {
	out    chan Message
	cancel context.CancelFunc
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]*memorySub)}
}

func (m *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, sub := range m.subs[channel] {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.out <- msg:
		default:
			// Non-blocking send so one stalled subscriber cannot wedge
			// publishers; a full buffer loses the message, same as a
			// lagging Redis pub/sub consumer would.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.subs[channel]; !ok {
		m.subs[channel] = make(map[int]*memorySub)
	}
	id := m.nextID
	m.nextID++

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySub{out: make(chan Message, 64), cancel: cancel}
	m.subs[channel][id] = sub
	m.mu.Unlock()

	go func() {
		<-subCtx.Done()
		m.remove(channel, id)
	}()

	return sub.out, nil
}

func (m *MemoryPubSub) remove(channel string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byChannel, ok := m.subs[channel]
	if !ok {
		return
	}
	if sub, exists := byChannel[id]; exists {
		delete(byChannel, id)
		close(sub.out)
	}
	if len(byChannel) == 0 {
		delete(m.subs, channel)
	}
}

// Disconnect tears down every active subscription without touching the
// subscribers' contexts, simulating a transport-level connection loss.
func (m *MemoryPubSub) Disconnect() {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, byChannel := range m.subs {
		for _, sub := range byChannel {
			cancels = append(cancels, sub.cancel)
		}
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *MemoryPubSub) Close() error {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
