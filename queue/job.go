// Package queue provides named durable job queues on Redis: delayed and
// repeating scheduling, at-least-once execution, per-job retry counters
// with configurable backoff, stalled-job recovery, and bounded retention of
// finished jobs.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	// BackoffExponential doubles the delay on every failed attempt.
	BackoffExponential BackoffKind = "exponential"

	// BackoffFixed retries at a constant delay.
	BackoffFixed BackoffKind = "fixed"
)

// BackoffPolicy computes the delay before a retry.
type BackoffPolicy struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before the retry that follows attemptsMade failed
// attempts (attemptsMade ≥ 1). Exponential growth is Delay × 2^(n−1), so a
// 60 s base yields ~60 s then ~120 s.
func (p BackoffPolicy) Next(attemptsMade int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if p.Kind != BackoffExponential {
		return p.Delay
	}
	shift := attemptsMade - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 { // past any real retry budget; avoids overflow
		shift = 16
	}
	return p.Delay << uint(shift)
}

// Job is one unit of queued work as handed to a handler.
type Job struct {
	// ID is unique within the queue. Caller-supplied ids coalesce:
	// at most one scheduled instance exists per id.
	ID string `json:"id"`

	// Queue is the owning queue's name.
	Queue string `json:"queue"`

	// Data is the handler payload, opaque to the queue.
	Data json.RawMessage `json:"data"`

	// AttemptsMade counts failed attempts of the current invocation.
	// The first run sees 0.
	AttemptsMade int `json:"attemptsMade"`

	// MaxAttempts bounds attempts per invocation.
	MaxAttempts int `json:"maxAttempts"`

	// Backoff schedules retries after failures.
	Backoff BackoffPolicy `json:"backoff"`

	// Every re-schedules the job this long after each invocation finishes.
	// Zero means one-shot.
	Every time.Duration `json:"every,omitempty"`

	// Cron re-schedules the job on a cron expression. Empty means none.
	Cron string `json:"cron,omitempty"`

	// EnqueuedAt is when the job was first added.
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Repeating reports whether the job re-schedules itself after finishing.
func (j *Job) Repeating() bool { return j.Every > 0 || j.Cron != "" }

// Handler processes one job invocation. A nil return completes the
// invocation; an error consumes one attempt and triggers backoff.
type Handler func(ctx context.Context, job *Job) error

// Counts is a point-in-time view of a queue's population.
type Counts struct {
	// Waiting jobs are scheduled and ready to claim.
	Waiting int64 `json:"waiting"`

	// Active jobs are claimed by a running handler.
	Active int64 `json:"active"`

	// Completed jobs finished successfully (bounded retention).
	Completed int64 `json:"completed"`

	// Failed jobs exhausted their attempts (bounded retention).
	Failed int64 `json:"failed"`

	// Delayed jobs are scheduled in the future (backoff or repeat).
	Delayed int64 `json:"delayed"`
}

// Summary is the retained record of a finished invocation.
type Summary struct {
	JobID      string          `json:"jobId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Option configures a single Add call.
type Option func(*addOptions)

type addOptions struct {
	jobID       string
	delay       time.Duration
	maxAttempts int
	backoff     *BackoffPolicy
	cron        string
	every       time.Duration
}

// WithJobID fixes the job id. Adds with an id that is already scheduled or
// active are no-ops, which callers use to coalesce repeating work.
func WithJobID(id string) Option {
	return func(o *addOptions) { o.jobID = id }
}

// WithDelay schedules the first run after d instead of immediately.
func WithDelay(d time.Duration) Option {
	return func(o *addOptions) { o.delay = d }
}

// WithMaxAttempts overrides the queue's default attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *addOptions) { o.maxAttempts = n }
}

// WithBackoff overrides the queue's default backoff policy.
func WithBackoff(kind BackoffKind, delay time.Duration) Option {
	return func(o *addOptions) { o.backoff = &BackoffPolicy{Kind: kind, Delay: delay} }
}
