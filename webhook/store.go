package webhook

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by update paths when the registration id is
// absent. Lookup paths return (nil, nil) instead.
var ErrNotFound = errors.New("webhook: registration not found")

// FreshnessWindow is how recently a registration must have been checked to
// not count as due in FindDueForCheck.
const FreshnessWindow = 5 * time.Minute

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	// LastChecksum replaces the stored checksum when non-nil.
	LastChecksum *string

	// LastCheckedAt replaces the last-checked instant when non-nil.
	LastCheckedAt *time.Time

	// LastError replaces the stored error when non-nil. Truncated to
	// MaxLastErrorBytes by the store.
	LastError *string

	// ClearLastError nils the stored error. Takes precedence over LastError.
	ClearLastError bool

	// LastDeliveryAt replaces the last-delivery instant when non-nil.
	LastDeliveryAt *time.Time
}

// Store defines the persistence contract for webhook registrations and
// delivery logs. Every method is atomic with respect to other operations on
// the same row.
type Store interface {
	// Create persists a new registration.
	Create(ctx context.Context, reg *Registration) error

	// FindByID returns a registration, or (nil, nil) when absent.
	FindByID(ctx context.Context, id string) (*Registration, error)

	// FindActive returns active registrations ordered by lastCheckedAt
	// ascending, nulls first.
	FindActive(ctx context.Context) ([]*Registration, error)

	// FindDueForCheck returns up to limit active registrations whose
	// lastCheckedAt is null or older than the freshness window, ordered by
	// lastCheckedAt ascending.
	FindDueForCheck(ctx context.Context, limit int) ([]*Registration, error)

	// Update applies a partial update. Returns ErrNotFound when id is absent.
	Update(ctx context.Context, id string, patch Patch) error

	// Deactivate clears the active flag. Idempotent; absent ids are a no-op.
	Deactivate(ctx context.Context, id string) error

	// DeactivateExpired clears the active flag on every active registration
	// past its expiration. Returns the number of rows affected.
	DeactivateExpired(ctx context.Context) (int64, error)

	// IncrementDeliveryAttempts atomically bumps deliveryAttempts, sets
	// lastDeliveryAt to now, and returns the updated registration. Returns
	// ErrNotFound when id is absent.
	IncrementDeliveryAttempts(ctx context.Context, id string) (*Registration, error)

	// LogDelivery appends a delivery log. Logs are never updated.
	LogDelivery(ctx context.Context, log *DeliveryLog) error

	// GetDeliveryLogs returns up to limit logs for a registration ordered by
	// deliveredAt descending. limit <= 0 means no limit.
	GetDeliveryLogs(ctx context.Context, registrationID string, limit int) ([]*DeliveryLog, error)
}
