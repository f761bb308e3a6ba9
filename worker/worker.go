package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"chatcore/queue"
)

// HandlerFunc executes one job attempt. Jobs are delivered at least once, so
// handlers must be idempotent or tolerate duplicate execution.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

// Config controls one worker loop.
type Config struct {
	// PopTimeout bounds each blocking pop so cancellation stays observable.
	PopTimeout time.Duration
	// HandlerTimeout bounds a single handler attempt; zero means no limit.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PopTimeout <= 0 {
		c.PopTimeout = 2 * time.Second
	}
	return c
}

// Worker pops jobs from the shared queue and dispatches them by kind. A
// failed attempt is requeued at the tail while attempts remain; after the
// last attempt the job is marked failed with its last error recorded. The
// loop itself never crashes on a handler error or panic.
type Worker struct {
	store    queue.Store
	handlers map[string]HandlerFunc
	cfg      Config
	log      zerolog.Logger

	processed uint64
	retried   uint64
	failed    uint64
}

func New(store queue.Store, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		handlers: make(map[string]HandlerFunc),
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// Register installs the handler for a job kind. Call before Run; the
// dispatch table is fixed once the loop starts.
func (w *Worker) Register(kind string, h HandlerFunc) {
	w.handlers[kind] = h
}

// Run processes jobs until ctx is cancelled. Store outages back off and
// retry; they never terminate the loop.
func (w *Worker) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		if ctx.Err() != nil {
			return
		}

		d, err := w.store.Dequeue(ctx, w.cfg.PopTimeout)
		switch {
		case err == nil:
			bo.Reset()
			w.process(ctx, d)
		case errors.Is(err, queue.ErrNoJob):
			bo.Reset()
		case ctx.Err() != nil:
			return
		default:
			wait := bo.NextBackOff()
			w.log.Warn().Err(err).Dur("next_attempt_in", wait).Msg("dequeue failed; backing off")
			if !sleepCtx(ctx, wait) {
				return
			}
		}
	}
}

// RunReaper periodically returns stale in-flight jobs to the queue, covering
// workers that died between pop and ack. Runs until ctx is cancelled; one
// reaper per store is enough, extra ones are harmless.
func (w *Worker) RunReaper(ctx context.Context, every, age time.Duration) {
	if every <= 0 || age <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.ReapStale(ctx, age)
			if err != nil {
				w.log.Warn().Err(err).Msg("reap failed")
				continue
			}
			if n > 0 {
				w.log.Info().Int("jobs", n).Msg("requeued stale in-flight jobs")
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	attempts := job.Attempts + 1

	ok, err := w.store.SetStatus(ctx, job.ID, queue.StatusPending, queue.StatusInProgress, attempts, "")
	if err != nil {
		w.log.Warn().Err(err).Str("job", job.ID).Msg("status update failed; leaving job for redelivery")
		return
	}
	if !ok {
		// Not pending anymore: a redelivered envelope for a job some other
		// worker already finished. Drop it.
		w.log.Debug().Str("job", job.ID).Msg("skipping stale delivery")
		w.ack(ctx, d, job)
		return
	}
	job.Attempts = attempts

	handler, known := w.handlers[job.Kind]
	if !known {
		w.fail(ctx, d, job, fmt.Sprintf("unknown kind %q", job.Kind))
		return
	}

	runErr := w.runHandler(ctx, handler, job)
	if runErr == nil {
		if _, err := w.store.SetStatus(ctx, job.ID, queue.StatusInProgress, queue.StatusCompleted, attempts, ""); err != nil {
			w.log.Warn().Err(err).Str("job", job.ID).Msg("completion status update failed")
		}
		w.ack(ctx, d, job)
		atomic.AddUint64(&w.processed, 1)
		w.log.Debug().Str("job", job.ID).Str("kind", job.Kind).Int("attempts", attempts).Msg("job completed")
		return
	}

	if attempts < job.MaxAttempts {
		// Retry with requeue rather than in-process, so a poison job does
		// not monopolize this worker.
		if _, err := w.store.SetStatus(ctx, job.ID, queue.StatusInProgress, queue.StatusPending, attempts, runErr.Error()); err != nil {
			w.log.Warn().Err(err).Str("job", job.ID).Msg("requeue status update failed")
			return
		}
		retry := job.Clone()
		retry.Status = queue.StatusPending
		retry.LastError = runErr.Error()
		retry.UpdatedAt = time.Now().UTC()
		if err := w.store.Requeue(ctx, d, retry); err != nil {
			w.log.Warn().Err(err).Str("job", job.ID).Msg("requeue failed; job stays in flight for redelivery")
			return
		}
		atomic.AddUint64(&w.retried, 1)
		w.log.Info().Err(runErr).Str("job", job.ID).Str("kind", job.Kind).Int("attempts", attempts).Int("max_attempts", job.MaxAttempts).Msg("attempt failed; job requeued")
		return
	}

	w.fail(ctx, d, job, runErr.Error())
}

// fail marks the job permanently failed and finishes the delivery.
func (w *Worker) fail(ctx context.Context, d *queue.Delivery, job *queue.Job, reason string) {
	if _, err := w.store.SetStatus(ctx, job.ID, queue.StatusInProgress, queue.StatusFailed, job.Attempts, reason); err != nil {
		w.log.Warn().Err(err).Str("job", job.ID).Msg("failure status update failed")
	}
	w.ack(ctx, d, job)
	atomic.AddUint64(&w.failed, 1)
	w.log.Warn().Str("job", job.ID).Str("kind", job.Kind).Int("attempts", job.Attempts).Str("reason", reason).Msg("job failed permanently")
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery, job *queue.Job) {
	if err := w.store.Ack(ctx, d); err != nil {
		w.log.Warn().Err(err).Str("job", job.ID).Msg("ack failed")
	}
}

// runHandler executes one attempt, converting panics and enforcing the
// per-attempt timeout.
func (w *Worker) runHandler(ctx context.Context, h HandlerFunc, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	runCtx := ctx
	if w.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}
	return h(runCtx, job)
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Processed uint64
	Retried   uint64
	Failed    uint64
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed: atomic.LoadUint64(&w.processed),
		Retried:   atomic.LoadUint64(&w.retried),
		Failed:    atomic.LoadUint64(&w.failed),
	}
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
