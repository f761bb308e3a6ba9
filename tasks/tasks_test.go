package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcore/queue"
	"chatcore/worker"
)

func waitForStatus(t *testing.T, store queue.Store, id string, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last *queue.Job
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), id)
		if err == nil {
			last = job
			if job.Status == want {
				return job
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s, last seen %+v", id, want, last)
	return nil
}

// Single-node path: jobs submitted against the in-process store must run in
// the same process, with no dedicated worker binary attached.
func TestResizeRunsOverInProcessStore(t *testing.T) {
	store := queue.NewMemoryStore()
	client := queue.NewClient(store, 3, zerolog.Nop())

	w := worker.New(store, worker.Config{PopTimeout: 20 * time.Millisecond}, zerolog.Nop())
	Register(w, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	id, err := client.Enqueue(ctx, "resize", json.RawMessage(`{"file":"a.png","width":100,"height":80}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, store, id, queue.StatusCompleted)
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
}

func TestResizeRejectsPayloadWithoutFile(t *testing.T) {
	store := queue.NewMemoryStore()
	client := queue.NewClient(store, 2, zerolog.Nop())

	w := worker.New(store, worker.Config{PopTimeout: 20 * time.Millisecond}, zerolog.Nop())
	Register(w, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	id, err := client.Enqueue(ctx, "resize", json.RawMessage(`{"width":100}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, store, id, queue.StatusFailed)
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
	if job.LastError == "" {
		t.Fatalf("last_error not recorded")
	}
}
