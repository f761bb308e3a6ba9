package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultMaxAttempts = 3

	maxEnqueueRetries = 3
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 5 * time.Second
)

// Client enqueues background jobs and exposes their status to pollers. It
// does not wait for processing; Enqueue returns as soon as the job sits on
// the shared queue in pending status.
type Client struct {
	store       Store
	maxAttempts int
	log         zerolog.Logger
}

func NewClient(store Store, maxAttempts int, log zerolog.Logger) *Client {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Client{store: store, maxAttempts: maxAttempts, log: log}
}

// Enqueue creates a pending job and appends it to the queue tail, retrying
// transient store failures with backoff. The returned error wraps
// ErrQueueUnavailable when the store could not be reached.
func (c *Client) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: c.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	operation := func() error {
		return c.store.Enqueue(ctx, job)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxEnqueueRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		c.log.Warn().Err(err).Str("kind", kind).Dur("next_attempt_in", d).Msg("retrying enqueue")
	})
	if err != nil {
		return "", err
	}

	c.log.Debug().Str("job", job.ID).Str("kind", kind).Msg("job enqueued")
	return job.ID, nil
}

// GetStatus returns the job's current status record, or ErrJobNotFound.
func (c *Client) GetStatus(ctx context.Context, id string) (*Job, error) {
	return c.store.Get(ctx, id)
}
