// Package tasks holds the background job handlers shared by every process
// that runs a worker loop: the dedicated worker binary, and the hub itself
// when it runs in single-node mode over the in-process store.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatcore/queue"
	"chatcore/worker"
)

// Register populates the kind dispatch table. New job kinds are added here;
// anything else fails terminally as unknown.
func Register(w *worker.Worker, log zerolog.Logger) {
	w.Register("resize", func(ctx context.Context, job *queue.Job) error {
		var req struct {
			File   string `json:"file"`
			Width  int    `json:"width"`
			Height int    `json:"height"`
		}
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if req.File == "" {
			return fmt.Errorf("payload missing file")
		}
		// Placeholder for the real image pipeline; resizing is simulated so
		// the processing path can be exercised end to end.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		log.Info().Str("job", job.ID).Str("file", req.File).Msg("resize done")
		return nil
	})
}
