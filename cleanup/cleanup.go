// Package cleanup implements the hourly maintenance worker: it deactivates
// expired registrations, evicts stale cache entries, and reschedules
// registrations whose polls went missing.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BongHwi/delivery-tracker/observability"
	"github.com/BongHwi/delivery-tracker/webhook"
)

// DefaultResyncLimit bounds how many stale registrations one sweep
// reschedules. A backlog larger than this drains over successive sweeps.
const DefaultResyncLimit = 100

// Store is the slice of the registration store the cleanup worker needs.
type Store interface {
	DeactivateExpired(ctx context.Context) (int64, error)
	FindDueForCheck(ctx context.Context, limit int) ([]*webhook.Registration, error)
}

// Cache evicts expired tracking entries.
type Cache interface {
	Cleanup() int
}

// Monitors re-establishes a registration's repeating poll. Ensure is
// idempotent: rescheduling an already scheduled registration is a no-op.
type Monitors interface {
	Ensure(ctx context.Context, reg *webhook.Registration) error
}

// Config carries the cleanup worker's optional collaborators.
type Config struct {
	ResyncLimit int
	Metrics     *observability.Metrics
}

// Worker runs the periodic maintenance sweep.
type Worker struct {
	store    Store
	cache    Cache
	monitors Monitors
	cfg      Config
	logger   *slog.Logger
}

// New creates a cleanup worker.
func New(store Store, cache Cache, monitors Monitors, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		cache:    cache,
		monitors: monitors,
		cfg:      cfg,
		logger:   logger.With("module", "webhook", "component", "cleanup"),
	}
}

// Handle runs one sweep. Errors bubble up to the queue so the sweep is
// retried; the next cron firing covers anything a failed sweep missed.
func (w *Worker) Handle(ctx context.Context) error {
	expired, err := w.store.DeactivateExpired(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: deactivate expired: %w", err)
	}
	if expired > 0 {
		w.logger.InfoContext(ctx, "expired registrations deactivated", "count", expired)
	}

	evicted := w.cache.Cleanup()
	w.cfg.Metrics.RecordCacheEvents(observability.CacheEventEviction, evicted)
	if evicted > 0 {
		w.logger.DebugContext(ctx, "stale cache entries evicted", "count", evicted)
	}

	limit := w.cfg.ResyncLimit
	if limit <= 0 {
		limit = DefaultResyncLimit
	}
	due, err := w.store.FindDueForCheck(ctx, limit)
	if err != nil {
		return fmt.Errorf("cleanup: find stale registrations: %w", err)
	}
	for _, reg := range due {
		if err := w.monitors.Ensure(ctx, reg); err != nil {
			return fmt.Errorf("cleanup: reschedule %s: %w", reg.ID, err)
		}
	}
	if len(due) > 0 {
		w.logger.InfoContext(ctx, "stale registrations rescheduled", "count", len(due))
	}
	return nil
}
