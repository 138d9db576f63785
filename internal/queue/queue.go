// Package queue implements a durable, priority-ordered, at-least-once job
// store on Redis. Jobs survive worker-process crashes; every multi-step
// state transition (claim, complete, fail-or-retry, reclaim) runs as a
// single Lua script so two consumers can never process the same job.
//
// Two independent queues share these primitives: one for email sends and
// one for webhook deliveries.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags the payload type of a job. Consumers dispatch on it
// exhaustively; an unknown kind is a terminal failure, never a retry.
type Kind string

const (
	KindEmail           Kind = "email"
	KindWebhookDelivery Kind = "webhook_delivery"
	KindABTestWinner    Kind = "abtest_winner"
)

// State enumerates where a job currently lives.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is the queue envelope. Payload is an opaque JSON document decoded
// by kind. Attempts counts claims, so a job abandoned by a crashed worker
// still consumes an attempt when it is reclaimed.
type Job struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LastError      string          `json:"last_error,omitempty"`
}

// FinalAttempt reports whether the job has no retries left.
func (j *Job) FinalAttempt() bool { return j.Attempts >= j.MaxAttempts }

// Options control a single enqueue.
type Options struct {
	Priority       int
	Delay          time.Duration
	IdempotencyKey string
	MaxAttempts    int // 0 uses the queue default
}

// Stats reports per-state job counts for a queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// Pending is the number of jobs that have not reached a terminal state.
func (s Stats) Pending() int64 { return s.Waiting + s.Delayed + s.Active }

// BackoffStrategy maps a just-failed attempt number (1-based) to the
// delay before the next attempt. Strategies are plain values so call
// sites never change when the policy does.
type BackoffStrategy func(attempt int) time.Duration

// ExponentialBackoff doubles the base delay per attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffStrategy {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base << (attempt - 1)
		if d > max || d <= 0 {
			return max
		}
		return d
	}
}

// DelayTable replays a fixed per-attempt delay table; attempts past the
// end of the table reuse the last entry.
func DelayTable(table ...time.Duration) BackoffStrategy {
	return func(attempt int) time.Duration {
		if len(table) == 0 {
			return 0
		}
		if attempt < 1 {
			attempt = 1
		}
		if attempt > len(table) {
			return table[len(table)-1]
		}
		return table[attempt-1]
	}
}

func newJob(kind Kind, payload any, opts Options, defaultMaxAttempts int) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Job{
		ID:             uuid.New().String(),
		Kind:           kind,
		Payload:        raw,
		Priority:       opts.Priority,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: opts.IdempotencyKey,
		EnqueuedAt:     time.Now().UTC(),
	}, nil
}
