// Package memory provides an in-memory registration store for unit testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/BongHwi/delivery-tracker/webhook"
)

// compile-time interface check.
var _ webhook.Store = (*Store)(nil)

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("memory: store closed")

// Store is an in-memory implementation of webhook.Store for testing.
type Store struct {
	mu sync.RWMutex

	registrations map[string]*webhook.Registration // keyed by ID
	logs          []*webhook.DeliveryLog           // insertion order
	nextLogID     int64

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		registrations: make(map[string]*webhook.Registration),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Registrations
// ──────────────────────────────────────────────────

// Create persists a new registration.
func (s *Store) Create(_ context.Context, reg *webhook.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registrations[reg.ID] = copyRegistration(reg)
	return nil
}

// FindByID returns a registration, or (nil, nil) when absent.
func (s *Store) FindByID(_ context.Context, id string) (*webhook.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.registrations[id]
	if !ok {
		return nil, nil
	}
	return copyRegistration(reg), nil
}

// FindActive returns active registrations ordered by lastCheckedAt ascending,
// never-checked ones first.
func (s *Store) FindActive(_ context.Context) ([]*webhook.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*webhook.Registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		if !reg.Active {
			continue
		}
		result = append(result, copyRegistration(reg))
	}

	sortByLastChecked(result)
	return result, nil
}

// FindDueForCheck returns up to limit active registrations not checked within
// the freshness window, the longest-unchecked first.
func (s *Store) FindDueForCheck(_ context.Context, limit int) ([]*webhook.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-webhook.FreshnessWindow)

	result := make([]*webhook.Registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		if !reg.Active {
			continue
		}
		if reg.LastCheckedAt != nil && !reg.LastCheckedAt.Before(cutoff) {
			continue
		}
		result = append(result, copyRegistration(reg))
	}

	sortByLastChecked(result)
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Update applies a partial update.
func (s *Store) Update(_ context.Context, id string, patch webhook.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registrations[id]
	if !ok {
		return webhook.ErrNotFound
	}

	if patch.LastChecksum != nil {
		v := *patch.LastChecksum
		reg.LastChecksum = &v
	}
	if patch.LastCheckedAt != nil {
		v := *patch.LastCheckedAt
		reg.LastCheckedAt = &v
	}
	if patch.LastDeliveryAt != nil {
		v := *patch.LastDeliveryAt
		reg.LastDeliveryAt = &v
	}
	switch {
	case patch.ClearLastError:
		reg.LastError = nil
	case patch.LastError != nil:
		v := webhook.TruncateBytes(*patch.LastError, webhook.MaxLastErrorBytes)
		reg.LastError = &v
	}

	reg.UpdatedAt = time.Now().UTC()
	return nil
}

// Deactivate clears the active flag. Absent ids are a no-op.
func (s *Store) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registrations[id]
	if !ok {
		return nil
	}
	if reg.Active {
		reg.Active = false
		reg.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// DeactivateExpired clears the active flag on every registration past its
// expiration and returns how many it touched.
func (s *Store) DeactivateExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var count int64
	for _, reg := range s.registrations {
		if !reg.Active || !reg.Expired(now) {
			continue
		}
		reg.Active = false
		reg.UpdatedAt = now
		count++
	}
	return count, nil
}

// IncrementDeliveryAttempts bumps deliveryAttempts, stamps lastDeliveryAt,
// and returns the updated registration.
func (s *Store) IncrementDeliveryAttempts(_ context.Context, id string) (*webhook.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registrations[id]
	if !ok {
		return nil, webhook.ErrNotFound
	}

	now := time.Now().UTC()
	reg.DeliveryAttempts++
	reg.LastDeliveryAt = &now
	reg.UpdatedAt = now
	return copyRegistration(reg), nil
}

// ──────────────────────────────────────────────────
// Delivery logs
// ──────────────────────────────────────────────────

// LogDelivery appends one delivery attempt record.
func (s *Store) LogDelivery(_ context.Context, log *webhook.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	stored := *log
	stored.ID = strconv.FormatInt(s.nextLogID, 10)
	stored.ErrorMessage = webhook.TruncateBytes(stored.ErrorMessage, webhook.MaxErrorMessageBytes)
	stored.ResponseBody = webhook.TruncateBytes(stored.ResponseBody, webhook.MaxResponseBodyBytes)

	s.logs = append(s.logs, &stored)
	log.ID = stored.ID
	return nil
}

// GetDeliveryLogs returns up to limit logs for a registration, newest first.
func (s *Store) GetDeliveryLogs(_ context.Context, registrationID string, limit int) ([]*webhook.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*webhook.DeliveryLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].WebhookRegistrationID != registrationID {
			continue
		}
		cp := *s.logs[i]
		result = append(result, &cp)
	}

	// Insertion order already approximates deliveredAt; the stable sort keeps
	// newest-first for same-instant entries.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DeliveredAt.After(result[j].DeliveredAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func copyRegistration(r *webhook.Registration) *webhook.Registration {
	cp := *r
	if r.LastChecksum != nil {
		v := *r.LastChecksum
		cp.LastChecksum = &v
	}
	if r.LastCheckedAt != nil {
		v := *r.LastCheckedAt
		cp.LastCheckedAt = &v
	}
	if r.LastDeliveryAt != nil {
		v := *r.LastDeliveryAt
		cp.LastDeliveryAt = &v
	}
	if r.LastError != nil {
		v := *r.LastError
		cp.LastError = &v
	}
	return &cp
}

func sortByLastChecked(regs []*webhook.Registration) {
	sort.Slice(regs, func(i, j int) bool {
		li, lj := regs[i].LastCheckedAt, regs[j].LastCheckedAt
		switch {
		case li == nil && lj == nil:
			return regs[i].CreatedAt.Before(regs[j].CreatedAt)
		case li == nil:
			return true
		case lj == nil:
			return false
		default:
			return li.Before(*lj)
		}
	})
}
