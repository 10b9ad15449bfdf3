// Package monitor implements the polling worker: it re-checks a registered
// shipment's carrier timeline, compares the result against the stored
// checksum, and enqueues a webhook delivery when the timeline changed.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/BongHwi/delivery-tracker/carrier"
	"github.com/BongHwi/delivery-tracker/delivery"
	"github.com/BongHwi/delivery-tracker/observability"
	"github.com/BongHwi/delivery-tracker/ratelimit"
	"github.com/BongHwi/delivery-tracker/track"
	"github.com/BongHwi/delivery-tracker/webhook"
)

// Job schedules one poll of a registration's carrier timeline. The carrier
// and tracking number ride along so a poll can be traced without a store
// read, but the registration row remains the source of truth.
type Job struct {
	WebhookRegistrationID string `json:"webhookRegistrationId"`
	CarrierID             string `json:"carrierId"`
	TrackingNumber        string `json:"trackingNumber"`
}

// Store is the slice of the registration store the monitor needs.
type Store interface {
	FindByID(ctx context.Context, id string) (*webhook.Registration, error)
	Update(ctx context.Context, id string, patch webhook.Patch) error
	Deactivate(ctx context.Context, id string) error
}

// Carriers resolves carrier IDs to trackers.
type Carriers interface {
	Get(id string) (carrier.Carrier, bool)
}

// Cache is the tracking-data cache surface the monitor needs.
type Cache interface {
	Get(carrierID, trackingNumber string) *track.Info
	Set(carrierID, trackingNumber string, info *track.Info)
}

// Deliveries enqueues callback jobs for detected timeline changes.
type Deliveries interface {
	Enqueue(ctx context.Context, job delivery.Job) error
}

// Schedules removes a registration's repeating poll once it no longer
// applies.
type Schedules interface {
	Remove(ctx context.Context, jobID string) error
}

// Config carries the monitor worker's optional collaborators.
type Config struct {
	// RateLimit caps carrier API calls per second and per carrier when a
	// Limiter is set. Zero or negative disables limiting.
	RateLimit int
	Limiter   *ratelimit.Limiter
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Worker polls carrier timelines for active registrations.
type Worker struct {
	store      Store
	carriers   Carriers
	cache      Cache
	deliveries Deliveries
	schedules  Schedules
	cfg        Config
	logger     *slog.Logger
}

// New creates a monitor worker.
func New(store Store, carriers Carriers, cache Cache, deliveries Deliveries, schedules Schedules, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:      store,
		carriers:   carriers,
		cache:      cache,
		deliveries: deliveries,
		schedules:  schedules,
		cfg:        cfg,
		logger:     logger.With("module", "webhook", "component", "monitor"),
	}
}

// Handle runs one poll. A nil return settles the tick; errors bubble up to
// the queue so the poll is retried with backoff.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	var span trace.Span
	if w.cfg.Tracer != nil {
		ctx, span = w.cfg.Tracer.StartMonitorSpan(ctx, job.WebhookRegistrationID, job.CarrierID, job.TrackingNumber)
	}

	outcome, err := w.tick(ctx, job)
	if span != nil {
		w.cfg.Tracer.EndMonitorSpan(span, outcome, err)
	}
	if outcome != "" {
		w.cfg.Metrics.RecordMonitorRun(outcome)
	}
	return err
}

func (w *Worker) tick(ctx context.Context, job Job) (string, error) {
	logger := w.logger.With(
		"webhook_id", job.WebhookRegistrationID,
		"carrier_id", job.CarrierID,
		"tracking_number", job.TrackingNumber,
	)

	reg, err := w.store.FindByID(ctx, job.WebhookRegistrationID)
	if err != nil {
		return "", fmt.Errorf("monitor: load registration: %w", err)
	}
	if reg == nil || !reg.Active {
		logger.InfoContext(ctx, "registration gone or inactive, unscheduling")
		if err := w.schedules.Remove(ctx, job.WebhookRegistrationID); err != nil {
			return "", fmt.Errorf("monitor: unschedule: %w", err)
		}
		return observability.OutcomeMissing, nil
	}

	now := time.Now().UTC()
	if reg.Expired(now) {
		logger.InfoContext(ctx, "registration expired, deactivating")
		if err := w.store.Deactivate(ctx, reg.ID); err != nil {
			return "", fmt.Errorf("monitor: deactivate expired: %w", err)
		}
		if err := w.schedules.Remove(ctx, reg.ID); err != nil {
			return "", fmt.Errorf("monitor: unschedule expired: %w", err)
		}
		return observability.OutcomeExpired, nil
	}

	c, ok := w.carriers.Get(reg.CarrierID)
	if !ok {
		logger.WarnContext(ctx, "carrier not registered")
		msg := "Carrier not found: " + reg.CarrierID
		if err := w.store.Update(ctx, reg.ID, webhook.Patch{LastError: &msg, LastCheckedAt: &now}); err != nil {
			return "", fmt.Errorf("monitor: record carrier miss: %w", err)
		}
		return observability.OutcomeCarrierUnknown, nil
	}

	info := w.cache.Get(reg.CarrierID, reg.TrackingNumber)
	if info != nil {
		w.cfg.Metrics.RecordCacheEvents(observability.CacheEventHit, 1)
	} else {
		w.cfg.Metrics.RecordCacheEvents(observability.CacheEventMiss, 1)
		if w.cfg.Limiter != nil {
			if err := w.cfg.Limiter.Wait(ctx, reg.CarrierID, w.cfg.RateLimit); err != nil {
				return "", fmt.Errorf("monitor: rate limit wait: %w", err)
			}
		}
		info, err = c.Track(ctx, reg.TrackingNumber)
		if err != nil {
			logger.WarnContext(ctx, "carrier poll failed", "error", err)
			msg := "Tracking API error: " + err.Error()
			if uerr := w.store.Update(ctx, reg.ID, webhook.Patch{LastError: &msg, LastCheckedAt: &now}); uerr != nil {
				return "", fmt.Errorf("monitor: record poll failure: %w", uerr)
			}
			return observability.OutcomeCarrierError, nil
		}
		w.cache.Set(reg.CarrierID, reg.TrackingNumber, info)
	}

	sum, err := track.Checksum(info.Events)
	if err != nil {
		return "", fmt.Errorf("monitor: checksum timeline: %w", err)
	}

	if reg.LastChecksum == nil {
		// First successful poll establishes the baseline. Deliveries fire
		// only on changes between observed timelines, never for the state
		// that existed before registration.
		patch := webhook.Patch{LastChecksum: &sum, LastCheckedAt: &now, ClearLastError: true}
		if err := w.store.Update(ctx, reg.ID, patch); err != nil {
			return "", fmt.Errorf("monitor: store baseline: %w", err)
		}
		logger.DebugContext(ctx, "baseline checksum stored", "checksum", sum)
		return observability.OutcomeUnchanged, nil
	}

	if *reg.LastChecksum == sum {
		if err := w.store.Update(ctx, reg.ID, webhook.Patch{LastCheckedAt: &now}); err != nil {
			return "", fmt.Errorf("monitor: stamp check: %w", err)
		}
		return observability.OutcomeUnchanged, nil
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("monitor: encode timeline: %w", err)
	}
	// Enqueue before the checksum write. A crash in between re-delivers the
	// same change on the next poll rather than silently losing it.
	err = w.deliveries.Enqueue(ctx, delivery.Job{
		WebhookRegistrationID: reg.ID,
		CallbackURL:           reg.CallbackURL,
		TrackInfo:             raw,
		PreviousChecksum:      reg.LastChecksum,
		CurrentChecksum:       sum,
	})
	if err != nil {
		return "", fmt.Errorf("monitor: enqueue delivery: %w", err)
	}
	if err := w.store.Update(ctx, reg.ID, webhook.Patch{LastChecksum: &sum, LastCheckedAt: &now, ClearLastError: true}); err != nil {
		return "", fmt.Errorf("monitor: store checksum: %w", err)
	}
	logger.InfoContext(ctx, "timeline changed, delivery enqueued",
		"previous_checksum", *reg.LastChecksum, "checksum", sum)
	return observability.OutcomeChanged, nil
}
