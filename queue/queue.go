package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultNamespace     = "tracker"
	DefaultConcurrency   = 1
	DefaultPollInterval  = time.Second
	DefaultStallTimeout  = 2 * time.Minute
	DefaultSweepInterval = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultCompletedCap  = 100
	DefaultFailedCap     = 500
)

// ErrProcessing is returned by Process when the queue already has a handler.
var ErrProcessing = errors.New("queue: already processing")

// errJobGone marks a job record removed between scheduling and load.
var errJobGone = errors.New("queue: job record gone")

// Config tunes one queue. Zero fields fall back to the defaults.
type Config struct {
	// Namespace prefixes every Redis key.
	Namespace string

	// Concurrency bounds in-flight handlers.
	Concurrency int

	// PollInterval is how often due jobs are claimed.
	PollInterval time.Duration

	// StallTimeout is the visibility window: a claimed job whose handler
	// has not heartbeat within it is re-queued by the sweeper.
	StallTimeout time.Duration

	// SweepInterval is how often stalled jobs are looked for.
	SweepInterval time.Duration

	// MaxAttempts is the default attempt budget per invocation.
	MaxAttempts int

	// Backoff is the default retry backoff policy.
	Backoff BackoffPolicy

	// CompletedCap and FailedCap bound finished-job retention.
	CompletedCap int
	FailedCap    int
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff.Delay <= 0 {
		c.Backoff = BackoffPolicy{Kind: BackoffExponential, Delay: time.Minute}
	}
	if c.CompletedCap <= 0 {
		c.CompletedCap = DefaultCompletedCap
	}
	if c.FailedCap <= 0 {
		c.FailedCap = DefaultFailedCap
	}
	return c
}

// Queue is one named durable job queue. Scheduling state lives in Redis;
// the Queue value itself only holds the claim/sweep loops.
type Queue struct {
	name   string
	rdb    goredis.UniversalClient
	cfg    Config
	keys   keys
	logger *slog.Logger

	mu         sync.Mutex
	processing bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a queue handle. Queues with the same name and namespace share
// state, so producers and the processor may hold separate handles.
func New(rdb goredis.UniversalClient, name string, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		name:   name,
		rdb:    rdb,
		cfg:    cfg,
		keys:   newKeys(cfg.Namespace, name),
		logger: logger.With("module", "webhook", "component", "queue", "queue", name),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Add enqueues a one-shot job. data is marshaled to JSON. Returns the job
// id. An explicit id that is already scheduled or active makes Add a no-op.
func (q *Queue) Add(ctx context.Context, data any, opts ...Option) (string, error) {
	return q.add(ctx, data, 0, "", opts)
}

// AddRepeating enqueues a job that re-schedules itself every interval after
// each invocation finishes, with its attempt counter reset.
func (q *Queue) AddRepeating(ctx context.Context, data any, every time.Duration, opts ...Option) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("queue: repeat interval must be positive, got %v", every)
	}
	return q.add(ctx, data, every, "", opts)
}

// AddCron enqueues a job driven by a standard 5-field cron expression.
func (q *Queue) AddCron(ctx context.Context, data any, spec string, opts ...Option) (string, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("queue: invalid cron spec %q: %w", spec, err)
	}
	return q.add(ctx, data, 0, spec, opts)
}

func (q *Queue) add(ctx context.Context, data any, every time.Duration, cronSpec string, opts []Option) (string, error) {
	o := addOptions{maxAttempts: q.cfg.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	jobID := o.jobID
	if jobID == "" {
		jobID = uuid.NewString()
	} else {
		// Coalesce: an instance already scheduled or active wins. The zset
		// member is unique either way; this check keeps a concurrent Add
		// from resetting an existing schedule.
		for _, key := range []string{q.keys.scheduled, q.keys.active} {
			_, err := q.rdb.ZScore(ctx, key, jobID).Result()
			if err == nil {
				return jobID, nil
			}
			if !errors.Is(err, goredis.Nil) {
				return "", fmt.Errorf("queue: coalesce check: %w", err)
			}
		}
	}

	backoff := q.cfg.Backoff
	if o.backoff != nil {
		backoff = *o.backoff
	}

	now := time.Now().UTC()
	job := &Job{
		ID:           jobID,
		Queue:        q.name,
		AttemptsMade: 0,
		MaxAttempts:  o.maxAttempts,
		Backoff:      backoff,
		Every:        every,
		Cron:         cronSpec,
		EnqueuedAt:   now,
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job data: %w", err)
	}
	job.Data = raw

	runAt := now.Add(o.delay)
	if cronSpec != "" {
		sched, _ := cron.ParseStandard(cronSpec) // validated above
		runAt = sched.Next(now)
	}

	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.rdb.ZAdd(ctx, q.keys.scheduled, goredis.Z{
		Score:  scoreFromTime(runAt),
		Member: jobID,
	}).Err(); err != nil {
		return "", fmt.Errorf("queue: schedule job: %w", err)
	}
	return jobID, nil
}

// RemoveScheduled drops the scheduled instance of a job and deletes its
// record. An in-flight invocation finishes but will not re-schedule.
func (q *Queue) RemoveScheduled(ctx context.Context, jobID string) error {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, q.keys.scheduled, jobID)
	pipe.Del(ctx, q.keys.job(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: remove scheduled %s: %w", jobID, err)
	}
	return nil
}

// Counts returns the queue's population view.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	now := fmt.Sprintf("%f", scoreFromTime(time.Now()))

	var c Counts
	var err error
	if c.Waiting, err = q.rdb.ZCount(ctx, q.keys.scheduled, "-inf", now).Result(); err != nil {
		return Counts{}, fmt.Errorf("queue: count waiting: %w", err)
	}
	if c.Delayed, err = q.rdb.ZCount(ctx, q.keys.scheduled, "("+now, "+inf").Result(); err != nil {
		return Counts{}, fmt.Errorf("queue: count delayed: %w", err)
	}
	if c.Active, err = q.rdb.ZCard(ctx, q.keys.active).Result(); err != nil {
		return Counts{}, fmt.Errorf("queue: count active: %w", err)
	}
	if c.Completed, err = q.rdb.LLen(ctx, q.keys.completed).Result(); err != nil {
		return Counts{}, fmt.Errorf("queue: count completed: %w", err)
	}
	if c.Failed, err = q.rdb.LLen(ctx, q.keys.failed).Result(); err != nil {
		return Counts{}, fmt.Errorf("queue: count failed: %w", err)
	}
	return c, nil
}

// Process starts the claim and sweep loops feeding handler. It returns
// immediately; Close stops the loops and waits for in-flight handlers.
func (q *Queue) Process(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing {
		return ErrProcessing
	}
	q.processing = true

	ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		q.pollLoop(ctx, handler)
	}()
	go func() {
		defer q.wg.Done()
		q.sweepLoop(ctx)
	}()
	return nil
}

// Close stops intake and waits for in-flight handlers. Jobs still queued
// stay in Redis for the next processor.
func (q *Queue) Close() error {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.processing = false
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return nil
}

// pollLoop claims due jobs and dispatches them to bounded workers.
func (q *Queue) pollLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, q.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := q.claim(ctx, q.cfg.Concurrency)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.ErrorContext(ctx, "claim failed", "error", err)
				}
				continue
			}

			for _, jobID := range ids {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				q.wg.Add(1)
				go func(id string) {
					defer q.wg.Done()
					defer func() { <-sem }()
					q.runJob(ctx, handler, id)
				}(jobID)
			}
		}
	}
}

func (q *Queue) claim(ctx context.Context, limit int) ([]string, error) {
	now := time.Now()
	nowScore := fmt.Sprintf("%f", scoreFromTime(now))
	deadline := fmt.Sprintf("%f", scoreFromTime(now.Add(q.cfg.StallTimeout)))

	ids, err := claimScript.Run(ctx, q.rdb,
		[]string{q.keys.scheduled, q.keys.active},
		nowScore, limit, deadline,
	).StringSlice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

func (q *Queue) runJob(ctx context.Context, handler Handler, jobID string) {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		// Record removed under us (RemoveScheduled racing a claim).
		q.rdb.ZRem(ctx, q.keys.active, jobID)
		if !errors.Is(err, errJobGone) {
			q.logger.ErrorContext(ctx, "load job failed", "job_id", jobID, "error", err)
		}
		return
	}

	stopHeartbeat := q.startHeartbeat(ctx, jobID)
	handlerErr := q.invoke(ctx, handler, job)
	stopHeartbeat()

	q.finish(ctx, job, handlerErr)
}

// invoke runs the handler, converting a panic into a failed attempt so one
// bad job cannot take the processor down.
func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// startHeartbeat extends the job's visibility deadline while its handler
// runs. The returned func stops the extension.
func (q *Queue) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	interval := q.cfg.StallTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := scoreFromTime(time.Now().Add(q.cfg.StallTimeout))
				q.rdb.ZAddXX(ctx, q.keys.active, goredis.Z{Score: deadline, Member: jobID})
			}
		}
	}()
	return func() { close(done) }
}

// finish settles one invocation: completion, retry with backoff, or
// exhaustion into the failed list.
func (q *Queue) finish(ctx context.Context, job *Job, handlerErr error) {
	if handlerErr == nil {
		q.complete(ctx, job)
		return
	}

	job.AttemptsMade++
	if job.AttemptsMade < job.MaxAttempts {
		q.retry(ctx, job, handlerErr)
		return
	}
	q.fail(ctx, job, handlerErr)
}

func (q *Queue) complete(ctx context.Context, job *Job) {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, q.keys.active, job.ID)
	q.pushSummary(ctx, pipe, q.keys.completed, job, "", q.cfg.CompletedCap)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		q.logger.ErrorContext(ctx, "record completion failed", "job_id", job.ID, "error", err)
	}

	if err := q.reschedule(ctx, job); err != nil && ctx.Err() == nil {
		q.logger.ErrorContext(ctx, "reschedule failed", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) retry(ctx context.Context, job *Job, cause error) {
	// A job removed while running must not resurrect through its retry.
	n, err := q.rdb.Exists(ctx, q.keys.job(job.ID)).Result()
	if err == nil && n == 0 {
		q.rdb.ZRem(ctx, q.keys.active, job.ID)
		return
	}

	delay := job.Backoff.Next(job.AttemptsMade)
	q.logger.WarnContext(ctx, "job failed, retrying",
		"job_id", job.ID,
		"attempts_made", job.AttemptsMade,
		"max_attempts", job.MaxAttempts,
		"retry_in", delay,
		"error", cause)

	if err := q.saveJob(ctx, job); err != nil {
		q.logger.ErrorContext(ctx, "persist retry state failed", "job_id", job.ID, "error", err)
	}
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, q.keys.active, job.ID)
	pipe.ZAdd(ctx, q.keys.scheduled, goredis.Z{
		Score:  scoreFromTime(time.Now().Add(delay)),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		q.logger.ErrorContext(ctx, "schedule retry failed", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) fail(ctx context.Context, job *Job, cause error) {
	q.logger.ErrorContext(ctx, "job exhausted attempts",
		"job_id", job.ID,
		"attempts_made", job.AttemptsMade,
		"error", cause)

	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, q.keys.active, job.ID)
	q.pushSummary(ctx, pipe, q.keys.failed, job, cause.Error(), q.cfg.FailedCap)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		q.logger.ErrorContext(ctx, "record failure failed", "job_id", job.ID, "error", err)
	}

	if err := q.reschedule(ctx, job); err != nil && ctx.Err() == nil {
		q.logger.ErrorContext(ctx, "reschedule failed", "job_id", job.ID, "error", err)
	}
}

// reschedule queues the next invocation of a repeating job with a fresh
// attempt counter, or deletes a finished one-shot's record. A record
// deleted by RemoveScheduled stays gone.
func (q *Queue) reschedule(ctx context.Context, job *Job) error {
	n, err := q.rdb.Exists(ctx, q.keys.job(job.ID)).Result()
	if err != nil {
		return fmt.Errorf("queue: reschedule check: %w", err)
	}
	if n == 0 {
		return nil
	}

	if !job.Repeating() {
		return q.rdb.Del(ctx, q.keys.job(job.ID)).Err()
	}

	now := time.Now().UTC()
	var next time.Time
	if job.Every > 0 {
		next = now.Add(job.Every)
	} else {
		sched, err := cron.ParseStandard(job.Cron)
		if err != nil {
			return fmt.Errorf("queue: reparse cron %q: %w", job.Cron, err)
		}
		next = sched.Next(now)
	}

	job.AttemptsMade = 0
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.keys.scheduled, goredis.Z{
		Score:  scoreFromTime(next),
		Member: job.ID,
	}).Err()
}

// sweepLoop re-queues jobs whose visibility deadline passed, advancing
// their attempt counters.
func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepOnce(ctx)
		}
	}
}

func (q *Queue) sweepOnce(ctx context.Context) {
	nowScore := fmt.Sprintf("%f", scoreFromTime(time.Now()))
	ids, err := stalledScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.scheduled},
		nowScore, 100,
	).StringSlice()
	if err != nil {
		if !errors.Is(err, goredis.Nil) && ctx.Err() == nil {
			q.logger.ErrorContext(ctx, "stall sweep failed", "error", err)
		}
		return
	}

	for _, jobID := range ids {
		job, err := q.loadJob(ctx, jobID)
		if err != nil {
			q.rdb.ZRem(ctx, q.keys.scheduled, jobID)
			continue
		}

		job.AttemptsMade++
		q.logger.WarnContext(ctx, "stalled job re-queued",
			"job_id", jobID,
			"attempts_made", job.AttemptsMade)

		if job.AttemptsMade >= job.MaxAttempts {
			q.rdb.ZRem(ctx, q.keys.scheduled, jobID)
			pipe := q.rdb.Pipeline()
			q.pushSummary(ctx, pipe, q.keys.failed, job, "stalled: visibility window exceeded", q.cfg.FailedCap)
			pipe.Exec(ctx)
			if err := q.reschedule(ctx, job); err != nil && ctx.Err() == nil {
				q.logger.ErrorContext(ctx, "reschedule failed", "job_id", jobID, "error", err)
			}
			continue
		}
		if err := q.saveJob(ctx, job); err != nil && ctx.Err() == nil {
			q.logger.ErrorContext(ctx, "persist stalled state failed", "job_id", jobID, "error", err)
		}
	}
}

func (q *Queue) loadJob(ctx context.Context, jobID string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, q.keys.job(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, errJobGone
		}
		return nil, fmt.Errorf("queue: load job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}
	if err := q.rdb.Set(ctx, q.keys.job(job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("queue: save job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) pushSummary(ctx context.Context, pipe goredis.Pipeliner, key string, job *Job, errMsg string, cap int) {
	s := Summary{
		JobID:      job.ID,
		Data:       job.Data,
		Attempts:   job.AttemptsMade,
		Error:      errMsg,
		FinishedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(cap)-1)
}

// scoreFromTime converts a time.Time to a sorted set score (unix seconds as float64).
func scoreFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
