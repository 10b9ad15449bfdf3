package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BongHwi/delivery-tracker/cache"
	"github.com/BongHwi/delivery-tracker/carrier"
	"github.com/BongHwi/delivery-tracker/cleanup"
	"github.com/BongHwi/delivery-tracker/delivery"
	"github.com/BongHwi/delivery-tracker/internal/entity"
	"github.com/BongHwi/delivery-tracker/monitor"
	"github.com/BongHwi/delivery-tracker/queue"
	"github.com/BongHwi/delivery-tracker/store"
	"github.com/BongHwi/delivery-tracker/webhook"
)

// Queue names. Job ids on the monitor queue are registration ids, so one
// scheduled poll exists per registration.
const (
	monitorQueueName  = "tracking-monitor"
	deliveryQueueName = "webhook-delivery"
	cleanupQueueName  = "expiration-cleanup"
)

// cleanupCronSpec fires the maintenance sweep at the top of every hour. The
// fixed job id coalesces restarts into one scheduled instance.
const (
	cleanupCronSpec = "0 * * * *"
	cleanupJobID    = "expiration-cleanup"
)

// deliveryTimeout bounds one callback POST.
const deliveryTimeout = 30 * time.Second

// wireWorkers builds the queues and workers after options have been applied.
func (s *Service) wireWorkers() {
	base := queue.Config{
		Concurrency:  s.config.Concurrency,
		PollInterval: s.config.QueuePollInterval,
	}

	mq := base
	mq.MaxAttempts = 3
	mq.Backoff = queue.BackoffPolicy{Kind: queue.BackoffExponential, Delay: time.Minute}
	s.monitorQueue = queue.New(s.rdb, monitorQueueName, mq, s.logger)

	dq := base
	dq.MaxAttempts = delivery.MaxAttempts
	dq.Backoff = queue.BackoffPolicy{Kind: queue.BackoffExponential, Delay: time.Minute}
	s.deliveryQueue = queue.New(s.rdb, deliveryQueueName, dq, s.logger)

	cq := base
	cq.MaxAttempts = 3
	cq.Backoff = queue.BackoffPolicy{Kind: queue.BackoffFixed, Delay: 5 * time.Minute}
	s.cleanupQueue = queue.New(s.rdb, cleanupQueueName, cq, s.logger)

	s.monitorWorker = monitor.New(s.store, s.carriers, s.cache,
		deliveryEnqueuer{s.deliveryQueue}, scheduleRemover{s.monitorQueue},
		monitor.Config{
			RateLimit: s.config.CarrierRateLimit,
			Limiter:   s.limiter,
			Metrics:   s.metrics,
			Tracer:    s.tracer,
		}, s.logger)

	sender := delivery.NewSender(deliveryTimeout, s.config.SigningSecret)
	s.deliveryWorker = delivery.New(s.store, sender, delivery.Config{
		Metrics: s.metrics,
		Tracer:  s.tracer,
	}, s.logger)

	s.cleanupWorker = cleanup.New(s.store, s.cache, monitorEnsurer{s},
		cleanup.Config{Metrics: s.metrics}, s.logger)
}

// deliveryEnqueuer adapts the delivery queue to the monitor's interface.
type deliveryEnqueuer struct{ q *queue.Queue }

func (e deliveryEnqueuer) Enqueue(ctx context.Context, job delivery.Job) error {
	_, err := e.q.Add(ctx, job)
	return err
}

// scheduleRemover adapts the monitor queue to the monitor's interface.
type scheduleRemover struct{ q *queue.Queue }

func (r scheduleRemover) Remove(ctx context.Context, jobID string) error {
	return r.q.RemoveScheduled(ctx, jobID)
}

// monitorEnsurer adapts the facade's scheduling to the cleanup worker.
type monitorEnsurer struct{ s *Service }

func (m monitorEnsurer) Ensure(ctx context.Context, reg *webhook.Registration) error {
	return m.s.ensureMonitorJob(ctx, reg)
}

// ensureMonitorJob schedules the repeating poll for a registration. The
// registration id doubles as the job id, so an existing schedule wins and
// ensuring is idempotent.
func (s *Service) ensureMonitorJob(ctx context.Context, reg *webhook.Registration) error {
	_, err := s.monitorQueue.AddRepeating(ctx, monitor.Job{
		WebhookRegistrationID: reg.ID,
		CarrierID:             reg.CarrierID,
		TrackingNumber:        reg.TrackingNumber,
	}, s.config.MonitorInterval, queue.WithJobID(reg.ID))
	return err
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Init connects to Redis, migrates the store, starts the three queue
// processors, schedules the hourly cleanup, and re-adds the repeating
// monitor job for every active registration (schedules survive a queue
// flush this way). ctx governs the processors' lifetime: canceling it stops
// job intake. Calling Init twice is a no-op.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("tracker: redis ping: %w", err)
	}
	if err := s.store.Migrate(ctx); err != nil {
		return fmt.Errorf("tracker: migrate store: %w", err)
	}

	if err := s.monitorQueue.Process(ctx, s.handleMonitorJob); err != nil {
		return fmt.Errorf("tracker: start monitor queue: %w", err)
	}
	if err := s.deliveryQueue.Process(ctx, s.handleDeliveryJob); err != nil {
		return fmt.Errorf("tracker: start delivery queue: %w", err)
	}
	if err := s.cleanupQueue.Process(ctx, s.handleCleanupJob); err != nil {
		return fmt.Errorf("tracker: start cleanup queue: %w", err)
	}

	if _, err := s.cleanupQueue.AddCron(ctx, nil, cleanupCronSpec, queue.WithJobID(cleanupJobID)); err != nil {
		return fmt.Errorf("tracker: schedule cleanup: %w", err)
	}

	if err := s.resyncSchedules(ctx); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "tracker initialized",
		"carriers", len(s.carriers.IDs()),
		"monitor_interval", s.config.MonitorInterval,
	)
	return nil
}

// resyncSchedules restores the repeating monitor job for every active
// registration. Coalescing by job id makes this safe against schedules that
// already exist.
func (s *Service) resyncSchedules(ctx context.Context) error {
	regs, err := s.store.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("tracker: resync schedules: %w", err)
	}
	for _, reg := range regs {
		if err := s.ensureMonitorJob(ctx, reg); err != nil {
			return fmt.Errorf("tracker: resync %s: %w", reg.ID, err)
		}
	}
	if len(regs) > 0 {
		s.logger.InfoContext(ctx, "monitor schedules resynced", "count", len(regs))
	}
	return nil
}

// Close stops the queue processors, waits for in-flight handlers, and closes
// owned connections. Jobs still queued stay in Redis for the next processor.
// Idempotent.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, q := range []*queue.Queue{s.monitorQueue, s.deliveryQueue, s.cleanupQueue} {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tracker: close store: %w", err))
		}
	}
	if s.ownsRedis {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tracker: close redis: %w", err))
		}
	}

	s.logger.InfoContext(ctx, "tracker closed")
	return errors.Join(errs...)
}

// ──────────────────────────────────────────────────
// Queue handlers
// ──────────────────────────────────────────────────

func (s *Service) handleMonitorJob(ctx context.Context, job *queue.Job) error {
	var mj monitor.Job
	if err := json.Unmarshal(job.Data, &mj); err != nil {
		// Undecodable data cannot succeed on retry; drop the job.
		s.logger.ErrorContext(ctx, "monitor job dropped", "job_id", job.ID, "error", err)
		return nil
	}
	return s.monitorWorker.Handle(ctx, mj)
}

func (s *Service) handleDeliveryJob(ctx context.Context, job *queue.Job) error {
	var dj delivery.Job
	if err := json.Unmarshal(job.Data, &dj); err != nil {
		s.logger.ErrorContext(ctx, "delivery job dropped", "job_id", job.ID, "error", err)
		return nil
	}
	return s.deliveryWorker.Handle(ctx, dj, job.AttemptsMade)
}

func (s *Service) handleCleanupJob(ctx context.Context, _ *queue.Job) error {
	return s.cleanupWorker.Handle(ctx)
}

// ──────────────────────────────────────────────────
// Registrations
// ──────────────────────────────────────────────────

// Register validates the input, persists a registration, and schedules its
// repeating monitor poll. Returns the registration id. Validation failures
// are a *webhook.ValidationError; an unknown carrier additionally unwraps to
// ErrCarrierUnknown.
func (s *Service) Register(ctx context.Context, in webhook.Input) (string, error) {
	now := time.Now().UTC()
	if err := in.Validate(now, s.config.Production); err != nil {
		return "", err
	}
	if !s.carriers.Has(in.CarrierID) {
		return "", &webhook.ValidationError{
			Field:   "carrierId",
			Message: "unknown carrier: " + in.CarrierID,
			Err:     ErrCarrierUnknown,
		}
	}

	reg := &webhook.Registration{
		Entity:         entity.New(),
		ID:             uuid.NewString(),
		CarrierID:      in.CarrierID,
		TrackingNumber: in.TrackingNumber,
		CallbackURL:    in.CallbackURL,
		ExpirationTime: in.ExpirationTime.UTC(),
		Active:         true,
	}
	if err := s.store.Create(ctx, reg); err != nil {
		return "", fmt.Errorf("tracker: create registration: %w", err)
	}

	if err := s.ensureMonitorJob(ctx, reg); err != nil {
		// A registration without its poll must not stay active.
		if derr := s.store.Deactivate(ctx, reg.ID); derr != nil {
			s.logger.ErrorContext(ctx, "rollback deactivate failed", "webhook_id", reg.ID, "error", derr)
		}
		return "", fmt.Errorf("tracker: schedule monitor: %w", err)
	}

	s.logger.InfoContext(ctx, "webhook registered",
		"webhook_id", reg.ID,
		"carrier_id", reg.CarrierID,
		"tracking_number", reg.TrackingNumber,
	)
	return reg.ID, nil
}

// Deactivate clears the active flag and removes the scheduled poll. Unknown
// ids return webhook.ErrNotFound; deactivating twice is a no-op.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	reg, err := s.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("tracker: find registration: %w", err)
	}
	if reg == nil {
		return webhook.ErrNotFound
	}

	if err := s.store.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("tracker: deactivate registration: %w", err)
	}
	if err := s.monitorQueue.RemoveScheduled(ctx, id); err != nil {
		return fmt.Errorf("tracker: remove schedule: %w", err)
	}

	s.logger.InfoContext(ctx, "webhook deactivated", "webhook_id", id)
	return nil
}

// GetWebhook returns a registration, or webhook.ErrNotFound.
func (s *Service) GetWebhook(ctx context.Context, id string) (*webhook.Registration, error) {
	reg, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("tracker: find registration: %w", err)
	}
	if reg == nil {
		return nil, webhook.ErrNotFound
	}
	return reg, nil
}

// GetDeliveryLogs returns up to limit delivery logs for a registration,
// newest first. limit <= 0 means no limit.
func (s *Service) GetDeliveryLogs(ctx context.Context, id string, limit int) ([]*webhook.DeliveryLog, error) {
	logs, err := s.store.GetDeliveryLogs(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("tracker: delivery logs: %w", err)
	}
	return logs, nil
}

// ──────────────────────────────────────────────────
// Statistics
// ──────────────────────────────────────────────────

// GetQueueStats returns the population view of every queue, keyed by queue
// name.
func (s *Service) GetQueueStats(ctx context.Context) (map[string]queue.Counts, error) {
	stats := make(map[string]queue.Counts, 3)
	for _, q := range []*queue.Queue{s.monitorQueue, s.deliveryQueue, s.cleanupQueue} {
		c, err := q.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("tracker: queue stats %s: %w", q.Name(), err)
		}
		stats[q.Name()] = c
	}
	return stats, nil
}

// GetCacheStats returns a snapshot of the tracking cache.
func (s *Service) GetCacheStats() cache.Stats {
	return s.cache.Stats()
}

// ClearCache drops every cached timeline. The next poll per shipment goes to
// the carrier.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

// Carriers returns the carrier registry.
func (s *Service) Carriers() *carrier.Registry {
	return s.carriers
}

// Store returns the underlying registration store.
func (s *Service) Store() store.Store {
	return s.store
}
