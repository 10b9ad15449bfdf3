package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/BongHwi/delivery-tracker/observability"
	"github.com/BongHwi/delivery-tracker/webhook"
)

// maxLoggedErrorBytes caps the failure text recorded per attempt.
const maxLoggedErrorBytes = 200

// Store is the slice of the registration store the delivery worker needs.
type Store interface {
	IncrementDeliveryAttempts(ctx context.Context, id string) (*webhook.Registration, error)
	Update(ctx context.Context, id string, patch webhook.Patch) error
	Deactivate(ctx context.Context, id string) error
	LogDelivery(ctx context.Context, log *webhook.DeliveryLog) error
}

// Config carries the delivery worker's optional collaborators.
type Config struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Worker executes callback POSTs for detected timeline changes.
type Worker struct {
	store  Store
	sender *Sender
	cfg    Config
	logger *slog.Logger
}

// New creates a delivery worker.
func New(store Store, sender *Sender, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: logger.With("module", "webhook", "component", "delivery"),
	}
}

// Handle runs one callback attempt. attemptsMade is how many attempts the
// job burned before this one, so the attempt being made is attemptsMade+1.
//
// A returned error asks the queue to retry. Permanent failures are settled
// here — registration deactivated, failure recorded — and return nil.
func (w *Worker) Handle(ctx context.Context, job Job, attemptsMade int) error {
	attemptNumber := attemptsMade + 1

	reg, err := w.store.IncrementDeliveryAttempts(ctx, job.WebhookRegistrationID)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			w.logger.WarnContext(ctx, "registration gone, dropping delivery",
				"webhook_id", job.WebhookRegistrationID)
			return nil
		}
		return err
	}
	// Deactivation between enqueue and execution wins: no POST.
	if !reg.Active {
		w.logger.InfoContext(ctx, "registration inactive, skipping delivery",
			"webhook_id", job.WebhookRegistrationID,
			"attempt", attemptNumber)
		return nil
	}

	var span trace.Span
	if w.cfg.Tracer != nil {
		ctx, span = w.cfg.Tracer.StartDeliverySpan(ctx, job.WebhookRegistrationID, job.CallbackURL, attemptNumber)
	}
	res := w.sender.Send(ctx, job, attemptNumber)
	if span != nil {
		w.cfg.Tracer.EndDeliverySpan(span, res.StatusCode, res.Error)
	}

	return w.settle(ctx, job, attemptNumber, res)
}

// settle records the attempt and applies the decision. The log append comes
// first so even a failing state write leaves the attempt visible.
func (w *Worker) settle(ctx context.Context, job Job, attemptNumber int, res Result) error {
	decision := Classify(res, attemptNumber, MaxAttempts)

	var errMsg string
	if decision != Delivered {
		errMsg = webhook.TruncateBytes(failureText(res), maxLoggedErrorBytes)
	}

	log := &webhook.DeliveryLog{
		WebhookRegistrationID: job.WebhookRegistrationID,
		AttemptNumber:         attemptNumber,
		Success:               decision == Delivered,
		ErrorMessage:          errMsg,
		RequestBody:           res.RequestBody,
		ResponseBody:          res.Response,
		DeliveredAt:           time.Now().UTC(),
	}
	if res.StatusCode != 0 {
		code := res.StatusCode
		log.StatusCode = &code
	}
	if err := w.store.LogDelivery(ctx, log); err != nil {
		return fmt.Errorf("delivery: record attempt: %w", err)
	}

	switch decision {
	case Delivered:
		w.cfg.Metrics.RecordDelivery(observability.OutcomeDelivered, res.Duration.Seconds())
		if err := w.store.Update(ctx, job.WebhookRegistrationID, webhook.Patch{ClearLastError: true}); err != nil {
			return err
		}
		w.logger.InfoContext(ctx, "callback delivered",
			"webhook_id", job.WebhookRegistrationID,
			"attempt", attemptNumber,
			"status_code", res.StatusCode)
		return nil

	case Retry:
		w.cfg.Metrics.RecordDelivery(observability.OutcomeRetry, res.Duration.Seconds())
		msg := fmt.Sprintf("Delivery attempt %d failed: %s", attemptNumber, errMsg)
		if err := w.store.Update(ctx, job.WebhookRegistrationID, webhook.Patch{LastError: &msg}); err != nil {
			return err
		}
		w.logger.WarnContext(ctx, "callback failed, retrying",
			"webhook_id", job.WebhookRegistrationID,
			"attempt", attemptNumber,
			"status_code", res.StatusCode,
			"error", errMsg)
		return fmt.Errorf("delivery: attempt %d: %s", attemptNumber, errMsg)

	default: // Fail
		w.cfg.Metrics.RecordDelivery(observability.OutcomePermanentFailure, res.Duration.Seconds())
		msg := fmt.Sprintf("Delivery failed after %d attempts: %s", attemptNumber, errMsg)
		if err := w.store.Deactivate(ctx, job.WebhookRegistrationID); err != nil {
			return err
		}
		if err := w.store.Update(ctx, job.WebhookRegistrationID, webhook.Patch{LastError: &msg}); err != nil {
			return err
		}
		w.logger.ErrorContext(ctx, "callback permanently failed, registration deactivated",
			"webhook_id", job.WebhookRegistrationID,
			"attempt", attemptNumber,
			"status_code", res.StatusCode,
			"error", errMsg)
		return nil
	}
}

// failureText renders a failed attempt's cause: the HTTP status when a
// response arrived, otherwise the transport error.
func failureText(res Result) string {
	if res.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d", res.StatusCode)
	}
	return res.Error
}
