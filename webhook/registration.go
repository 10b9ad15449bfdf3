// Package webhook defines the registration and delivery-log domain model,
// input validation, and the persistence contract of the webhook subsystem.
package webhook

import (
	"time"

	"github.com/BongHwi/delivery-tracker/internal/entity"
)

// Byte caps enforced at write time. Oversized values are truncated, never
// rejected, so a huge upstream error can't fail the write that records it.
const (
	MaxLastErrorBytes    = 2048
	MaxErrorMessageBytes = 1024
	MaxResponseBodyBytes = 1000
)

// Registration is a persistent subscription: who to notify (callback URL),
// about what (carrier + tracking number), until when (expiration).
type Registration struct {
	entity.Entity

	// ID is the registration's UUID. Never reused.
	ID string `json:"id"`

	// CarrierID names the carrier that ships this package, e.g. "kr.cjlogistics".
	CarrierID string `json:"carrierId"`

	// TrackingNumber is the carrier's tracking number. Opaque here.
	TrackingNumber string `json:"trackingNumber"`

	// CallbackURL receives the HTTP POST on every detected change.
	CallbackURL string `json:"callbackUrl"`

	// ExpirationTime is when monitoring stops. At most 30 days from creation.
	ExpirationTime time.Time `json:"expirationTime"`

	// Active is cleared by explicit deactivation, expiration, or exhausted
	// delivery retries. Once false no monitoring or delivery runs again.
	Active bool `json:"active"`

	// LastChecksum is the hex SHA-256 of the last delivered event timeline.
	// Set only after a delivery has been enqueued for that timeline.
	LastChecksum *string `json:"lastChecksum,omitempty"`

	// LastCheckedAt is when the monitor last completed a poll.
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`

	// DeliveryAttempts counts callback POSTs across all delivery jobs.
	DeliveryAttempts int `json:"deliveryAttempts"`

	// LastDeliveryAt is when the last callback POST was attempted.
	LastDeliveryAt *time.Time `json:"lastDeliveryAt,omitempty"`

	// LastError records the most recent monitor or delivery failure,
	// truncated to MaxLastErrorBytes.
	LastError *string `json:"lastError,omitempty"`
}

// Expired reports whether the registration is past its expiration at now.
func (r *Registration) Expired(now time.Time) bool {
	return !now.Before(r.ExpirationTime)
}

// DeliveryLog is one callback attempt's record. Append-only.
type DeliveryLog struct {
	// ID is assigned by the storage backend.
	ID string `json:"id"`

	// WebhookRegistrationID references the registration this attempt served.
	WebhookRegistrationID string `json:"webhookRegistrationId"`

	// AttemptNumber is 1-based within a single delivery job.
	AttemptNumber int `json:"attemptNumber"`

	// StatusCode is the HTTP status, if a response was received.
	StatusCode *int `json:"statusCode,omitempty"`

	// Success is true for any 2xx response.
	Success bool `json:"success"`

	// ErrorMessage describes the failure, truncated to MaxErrorMessageBytes.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// RequestBody is the JSON sent, verbatim.
	RequestBody string `json:"requestBody"`

	// ResponseBody is the response, truncated to MaxResponseBodyBytes.
	ResponseBody string `json:"responseBody,omitempty"`

	// DeliveredAt is when the attempt finished.
	DeliveredAt time.Time `json:"deliveredAt"`
}

// TruncateBytes cuts s to at most n bytes. Multi-byte runes that straddle
// the cut are dropped whole so the result stays valid UTF-8.
func TruncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
