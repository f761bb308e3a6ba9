package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory, for tests and single-node
// runs. It keeps the same delivery semantics as the Redis store: FIFO order,
// each queued job handed to exactly one dequeuer, popped jobs held in flight
// until acked or requeued.
type MemoryStore struct {
	mu      sync.Mutex
	items   []*Job
	active  map[string]*Job
	records map[string]*Job
	signal  chan struct{}
	failing bool
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:  make(map[string]*Job),
		records: make(map[string]*Job),
		signal:  make(chan struct{}),
	}
}

// SetFailing makes subsequent store operations report the queue as
// unreachable, for exercising caller retry paths.
func (m *MemoryStore) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

func (m *MemoryStore) checkLocked() error {
	if m.closed {
		return fmt.Errorf("%w: store closed", ErrQueueUnavailable)
	}
	if m.failing {
		return fmt.Errorf("%w: simulated outage", ErrQueueUnavailable)
	}
	return nil
}

func (m *MemoryStore) Enqueue(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}
	m.records[job.ID] = job.Clone()
	m.items = append(m.items, job.Clone())
	m.wakeLocked()
	return nil
}

// wakeLocked broadcasts to all blocked dequeuers; caller holds m.mu.
func (m *MemoryStore) wakeLocked() {
	close(m.signal)
	m.signal = make(chan struct{})
}

func (m *MemoryStore) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if err := m.checkLocked(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if len(m.items) > 0 {
			job := m.items[0]
			m.items = m.items[1:]
			token := uuid.NewString()
			m.active[token] = job.Clone()
			m.mu.Unlock()
			return &Delivery{Job: job, token: token}, nil
		}
		sig := m.signal
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrNoJob
		case <-sig:
		}
	}
}

func (m *MemoryStore) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}
	delete(m.active, d.token)
	return nil
}

func (m *MemoryStore) Requeue(ctx context.Context, d *Delivery, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}
	delete(m.active, d.token)
	m.items = append(m.items, job.Clone())
	m.wakeLocked()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	job, ok := m.records[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, from, to Status, attempts int, lastErr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return false, err
	}
	job, ok := m.records[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	job.Attempts = attempts
	job.LastError = lastErr
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ReapStale requeues in-flight jobs abandoned by their dequeuer; only jobs
// still in_progress and untouched for at least age qualify.
func (m *MemoryStore) ReapStale(ctx context.Context, age time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return 0, err
	}

	reaped := 0
	for token, env := range m.active {
		rec, ok := m.records[env.ID]
		if !ok {
			delete(m.active, token)
			continue
		}
		if rec.Status != StatusInProgress || time.Since(rec.UpdatedAt) < age {
			continue
		}
		rec.Status = StatusPending
		rec.UpdatedAt = time.Now().UTC()
		delete(m.active, token)
		m.items = append(m.items, rec.Clone())
		reaped++
	}
	if reaped > 0 {
		m.wakeLocked()
	}
	return reaped, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.wakeLocked()
	}
	return nil
}
