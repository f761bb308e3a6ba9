package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueUnavailable wraps failures to reach the shared store; the
	// caller decides whether to retry.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrJobNotFound is returned by Get for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrNoJob is returned by Dequeue when the blocking wait timed out with
	// the queue empty.
	ErrNoJob = errors.New("no job available")
)

// Delivery is one popped job. The token ties the delivery to the store's
// in-flight bookkeeping; Ack or Requeue must be called exactly once.
type Delivery struct {
	Job   *Job
	token string
}

// Store is the shared durable FIFO list plus the per-job status records.
// Dequeue hands each queued job to exactly one popping worker at a time;
// redelivery after a worker crash is possible, so processing is
// at-least-once.
type Store interface {
	// Enqueue creates the job's status record and appends it to the tail.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue blocks up to timeout for the job at the head, returning
	// ErrNoJob when the wait expires with nothing queued.
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)

	// Ack finishes a delivery whose job reached a terminal status.
	Ack(ctx context.Context, d *Delivery) error

	// Requeue appends the (updated) job back to the tail and finishes the
	// delivery, for retry-with-requeue.
	Requeue(ctx context.Context, d *Delivery, job *Job) error

	// Get returns the job's current status record.
	Get(ctx context.Context, id string) (*Job, error)

	// SetStatus transitions the job from one status to another, recording
	// attempts and the last error. It reports false without changing
	// anything when the current status does not match from, so racing
	// workers cannot double-apply a transition.
	SetStatus(ctx context.Context, id string, from, to Status, attempts int, lastErr string) (bool, error)

	// ReapStale returns to the queue every in-flight delivery whose job is
	// still in_progress and has not been touched for longer than age. Such a
	// delivery belongs to a worker that died between pop and ack; without
	// this the job would never be redelivered. Returns the number of jobs
	// requeued.
	ReapStale(ctx context.Context, age time.Duration) (int, error)

	Close() error
}
