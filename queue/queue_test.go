package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/BongHwi/delivery-tracker/queue"
)

type payload struct {
	RegistrationID string `json:"registrationId"`
}

func setupQueue(t *testing.T, cfg queue.Config) (*queue.Queue, *goredis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	// Tight loops so tests settle quickly.
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 20 * time.Millisecond
	}

	q := queue.New(rdb, "test-queue", cfg, nil)
	t.Cleanup(func() { q.Close() })
	return q, rdb
}

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", msg)
		default:
		}
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessCompletesJob(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{})
	ctx := context.Background()

	got := make(chan payload, 1)
	err := q.Process(ctx, func(_ context.Context, j *queue.Job) error {
		var p payload
		if err := json.Unmarshal(j.Data, &p); err != nil {
			return err
		}
		got <- p
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := q.Add(ctx, payload{RegistrationID: "reg-1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-got:
		if p.RegistrationID != "reg-1" {
			t.Fatalf("unexpected payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	waitFor(t, 2*time.Second, func() bool {
		c, err := q.Counts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return c.Completed == 1 && c.Active == 0 && c.Waiting == 0
	}, "job to settle as completed")
}

func TestProcessTwice(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{})
	ctx := context.Background()

	handler := func(context.Context, *queue.Job) error { return nil }
	if err := q.Process(ctx, handler); err != nil {
		t.Fatal(err)
	}
	if err := q.Process(ctx, handler); !errors.Is(err, queue.ErrProcessing) {
		t.Fatalf("expected ErrProcessing, got %v", err)
	}
}

func TestAddWithDelay(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{})
	ctx := context.Background()

	var runs atomic.Int32
	if err := q.Process(ctx, func(context.Context, *queue.Job) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Add(ctx, payload{}, queue.WithDelay(150*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Fatalf("job ran %d times before its delay elapsed", n)
	}
	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Delayed != 1 {
		t.Fatalf("expected 1 delayed job, got %+v", c)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 }, "delayed job to run")
}

func TestRetryUsesBackoffAndAttemptCounter(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{
		MaxAttempts: 3,
		Backoff:     queue.BackoffPolicy{Kind: queue.BackoffFixed, Delay: 20 * time.Millisecond},
	})
	ctx := context.Background()

	var runs atomic.Int32
	attempts := make(chan int, 3)
	if err := q.Process(ctx, func(_ context.Context, j *queue.Job) error {
		attempts <- j.AttemptsMade
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Add(ctx, payload{}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool { return runs.Load() == 3 }, "three attempts")
	waitFor(t, 2*time.Second, func() bool {
		c, err := q.Counts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return c.Completed == 1 && c.Failed == 0
	}, "job to complete after retries")

	for i, want := range []int{0, 1, 2} {
		if got := <-attempts; got != want {
			t.Fatalf("attempt %d: expected AttemptsMade %d, got %d", i+1, want, got)
		}
	}
}

func TestExhaustedJobMovesToFailed(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{
		MaxAttempts: 2,
		Backoff:     queue.BackoffPolicy{Kind: queue.BackoffFixed, Delay: 10 * time.Millisecond},
	})
	ctx := context.Background()

	var runs atomic.Int32
	if err := q.Process(ctx, func(context.Context, *queue.Job) error {
		runs.Add(1)
		return errors.New("permanent")
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Add(ctx, payload{RegistrationID: "reg-9"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		c, err := q.Counts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return c.Failed == 1
	}, "job to land on the failed list")

	if n := runs.Load(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Waiting != 0 || c.Active != 0 || c.Completed != 0 {
		t.Fatalf("unexpected counts after exhaustion: %+v", c)
	}
}

func TestRepeatingJobReschedulesWithFreshAttempts(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{
		MaxAttempts: 2,
		Backoff:     queue.BackoffPolicy{Kind: queue.BackoffFixed, Delay: 10 * time.Millisecond},
	})
	ctx := context.Background()

	var runs atomic.Int32
	attempts := make(chan int, 8)
	if err := q.Process(ctx, func(_ context.Context, j *queue.Job) error {
		attempts <- j.AttemptsMade
		if runs.Add(1) == 1 {
			return errors.New("first run flakes")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := q.AddRepeating(ctx, payload{}, 40*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	// Run 1 fails, its retry succeeds, then the next repetition starts over.
	waitFor(t, 5*time.Second, func() bool { return runs.Load() >= 3 }, "three invocations")

	first, second, third := <-attempts, <-attempts, <-attempts
	if first != 0 || second != 1 {
		t.Fatalf("expected attempts 0 then 1, got %d then %d", first, second)
	}
	if third != 0 {
		t.Fatalf("expected repetition to reset the attempt counter, got %d", third)
	}
}

func TestAddRepeatingRejectsNonPositiveInterval(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{})

	if _, err := q.AddRepeating(context.Background(), payload{}, 0); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestAddCron(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{})
	ctx := context.Background()

	id, err := q.AddCron(ctx, payload{}, "0 * * * *", queue.WithJobID("hourly-sweep"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "hourly-sweep" {
		t.Fatalf("expected explicit job id, got %q", id)
	}

	// The next top of the hour is always in the future.
	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Delayed != 1 || c.Waiting != 0 {
		t.Fatalf("expected one delayed job, got %+v", c)
	}

	if _, err := q.AddCron(ctx, payload{}, "not a cron spec"); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestWithJobIDCoalesces(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{})
	ctx := context.Background()

	id1, err := q.Add(ctx, payload{RegistrationID: "a"}, queue.WithJobID("job-1"), queue.WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := q.Add(ctx, payload{RegistrationID: "b"}, queue.WithJobID("job-1"), queue.WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != "job-1" || id2 != "job-1" {
		t.Fatalf("expected both adds to report job-1, got %q and %q", id1, id2)
	}

	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Delayed != 1 {
		t.Fatalf("expected the second add to coalesce, got %+v", c)
	}

	if _, err := q.Add(ctx, payload{}, queue.WithJobID("job-2"), queue.WithDelay(time.Hour)); err != nil {
		t.Fatal(err)
	}
	c, err = q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Delayed != 2 {
		t.Fatalf("expected a distinct id to schedule, got %+v", c)
	}
}

func TestRemoveScheduled(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{})
	ctx := context.Background()

	if _, err := q.Add(ctx, payload{}, queue.WithJobID("job-1"), queue.WithDelay(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := q.RemoveScheduled(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}

	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Delayed != 0 || c.Waiting != 0 {
		t.Fatalf("expected empty queue after removal, got %+v", c)
	}

	// Removing an unknown id is a no-op.
	if err := q.RemoveScheduled(ctx, "no-such-job"); err != nil {
		t.Fatal(err)
	}
}

func TestCompletedRetentionCap(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{CompletedCap: 3})
	ctx := context.Background()

	var runs atomic.Int32
	if err := q.Process(ctx, func(context.Context, *queue.Job) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := q.Add(ctx, payload{}); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return runs.Load() == 5 }, "all jobs to run")
	waitFor(t, 2*time.Second, func() bool {
		c, err := q.Counts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return c.Completed == 3 && c.Active == 0 && c.Waiting == 0
	}, "completed list to trim to cap")
}

func TestCounts(t *testing.T) {
	q, _ := setupQueue(t, queue.Config{})
	ctx := context.Background()

	if _, err := q.Add(ctx, payload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Add(ctx, payload{}, queue.WithDelay(time.Hour)); err != nil {
		t.Fatal(err)
	}

	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Waiting != 1 || c.Delayed != 1 || c.Active != 0 || c.Completed != 0 || c.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestBackoffPolicyNext(t *testing.T) {
	exp := queue.BackoffPolicy{Kind: queue.BackoffExponential, Delay: time.Minute}
	for i, want := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute} {
		if got := exp.Next(i + 1); got != want {
			t.Fatalf("exponential Next(%d): expected %v, got %v", i+1, want, got)
		}
	}

	fixed := queue.BackoffPolicy{Kind: queue.BackoffFixed, Delay: 5 * time.Minute}
	for _, n := range []int{1, 2, 7} {
		if got := fixed.Next(n); got != 5*time.Minute {
			t.Fatalf("fixed Next(%d): expected 5m, got %v", n, got)
		}
	}
}
