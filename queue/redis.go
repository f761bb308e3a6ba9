package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	queueKey     = "jobs:queue"
	activeKey    = "jobs:active"
	jobKeyPrefix = "job:"
)

// setStatusScript transitions a job's status only when the current status
// matches the expected one, so two workers racing on a redelivered job
// cannot both apply the same transition.
var setStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', ARGV[2], 'attempts', ARGV[3], 'last_error', ARGV[4], 'updated_at', ARGV[5])
  return 1
end
return 0
`)

// RedisStore implements Store on a Redis list (the queue) plus one hash per
// job (the status record). Dequeue moves the envelope to a processing list
// so a popped job is visible until acked; each envelope is delivered to
// exactly one BRPOPLPUSH caller.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisStore(addr string, log zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, log: log}, nil
}

func jobKey(id string) string { return jobKeyPrefix + id }

func (s *RedisStore) Enqueue(ctx context.Context, job *Job) error {
	envelope, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(job.ID), jobFields(job))
		pipe.LPush(ctx, queueKey, envelope)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := s.client.BRPopLPush(ctx, queueKey, activeKey, timeout).Result()
	if err == redis.Nil {
		return nil, ErrNoJob
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// A mangled envelope can never be processed; drop it from the
		// processing list so it does not sit there forever.
		s.client.LRem(ctx, activeKey, 1, raw)
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &Delivery{Job: &job, token: raw}, nil
}

func (s *RedisStore) Ack(ctx context.Context, d *Delivery) error {
	if err := s.client.LRem(ctx, activeKey, 1, d.token).Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Requeue(ctx context.Context, d *Delivery, job *Job) error {
	envelope, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, queueKey, envelope)
		pipe.LRem(ctx, activeKey, 1, d.token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromFields(fields)
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, from, to Status, attempts int, lastErr string) (bool, error) {
	res, err := setStatusScript.Run(ctx, s.client, []string{jobKey(id)},
		string(from), string(to), attempts, lastErr, time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	return res == 1, nil
}

// ReapStale scans the processing list for envelopes left behind by dead
// workers and moves them back to the queue. The in_progress -> pending CAS
// runs first, so a worker that is merely slow and still finishes wins the
// race: its completion lands and the reap of its envelope becomes a no-op.
func (s *RedisStore) ReapStale(ctx context.Context, age time.Duration) (int, error) {
	raws, err := s.client.LRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}

	reaped := 0
	for _, raw := range raws {
		var env Job
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			s.client.LRem(ctx, activeKey, 1, raw)
			continue
		}

		job, err := s.Get(ctx, env.ID)
		if errors.Is(err, ErrJobNotFound) {
			s.client.LRem(ctx, activeKey, 1, raw)
			continue
		}
		if err != nil {
			return reaped, err
		}
		if job.Status != StatusInProgress || time.Since(job.UpdatedAt) < age {
			continue
		}

		ok, err := s.SetStatus(ctx, env.ID, StatusInProgress, StatusPending, job.Attempts, job.LastError)
		if err != nil {
			return reaped, err
		}
		if !ok {
			continue
		}

		job.Status = StatusPending
		envelope, err := json.Marshal(job)
		if err != nil {
			continue
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, queueKey, envelope)
			pipe.LRem(ctx, activeKey, 1, raw)
			return nil
		})
		if err != nil {
			return reaped, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
		}
		reaped++
		s.log.Info().Str("job", env.ID).Msg("requeued stale in-flight job")
	}
	return reaped, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func jobFields(job *Job) map[string]interface{} {
	return map[string]interface{}{
		"id":           job.ID,
		"kind":         job.Kind,
		"payload":      string(job.Payload),
		"status":       string(job.Status),
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"last_error":   job.LastError,
		"created_at":   job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func jobFromFields(f map[string]string) (*Job, error) {
	job := &Job{
		ID:        f["id"],
		Kind:      f["kind"],
		Payload:   json.RawMessage(f["payload"]),
		Status:    Status(f["status"]),
		LastError: f["last_error"],
	}
	var err error
	if job.Attempts, err = strconv.Atoi(f["attempts"]); err != nil {
		return nil, fmt.Errorf("parse attempts: %w", err)
	}
	if job.MaxAttempts, err = strconv.Atoi(f["max_attempts"]); err != nil {
		return nil, fmt.Errorf("parse max_attempts: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, f["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return job, nil
}
