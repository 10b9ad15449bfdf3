// Package delivery implements the callback worker: one job is one detected
// timeline change POSTed to a registration's callback URL.
package delivery

import (
	"encoding/json"
	"time"
)

// Job is one detected change queued for callback delivery.
type Job struct {
	// WebhookRegistrationID names the registration being notified.
	WebhookRegistrationID string `json:"webhookRegistrationId"`

	// CallbackURL is the destination, snapshotted at enqueue time.
	CallbackURL string `json:"callbackUrl"`

	// TrackInfo is the full serialized timeline that triggered the change.
	TrackInfo json.RawMessage `json:"trackInfo"`

	// PreviousChecksum is the checksum replaced by this change, if any.
	PreviousChecksum *string `json:"previousChecksum,omitempty"`

	// CurrentChecksum is the checksum of TrackInfo's events.
	CurrentChecksum string `json:"currentChecksum"`
}

// Payload is the callback request body.
type Payload struct {
	WebhookID    string          `json:"webhookId"`
	TrackingData json.RawMessage `json:"trackingData"`
	Metadata     Metadata        `json:"metadata"`
}

// Metadata describes the checksum transition that triggered a delivery.
type Metadata struct {
	PreviousChecksum *string   `json:"previousChecksum,omitempty"`
	CurrentChecksum  string    `json:"currentChecksum"`
	DeliveredAt      time.Time `json:"deliveredAt"`
}
