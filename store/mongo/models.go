package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/BongHwi/delivery-tracker/webhook"
)

// registrationDoc is the BSON shape of a webhook registration. The
// registration ID doubles as the document key, so lookups by ID never
// need a secondary index.
type registrationDoc struct {
	ID               string     `bson:"_id"`
	CarrierID        string     `bson:"carrier_id"`
	TrackingNumber   string     `bson:"tracking_number"`
	CallbackURL      string     `bson:"callback_url"`
	ExpirationTime   time.Time  `bson:"expiration_time"`
	Active           bool       `bson:"active"`
	LastChecksum     *string    `bson:"last_checksum,omitempty"`
	LastCheckedAt    *time.Time `bson:"last_checked_at,omitempty"`
	DeliveryAttempts int        `bson:"delivery_attempts"`
	LastDeliveryAt   *time.Time `bson:"last_delivery_at,omitempty"`
	LastError        *string    `bson:"last_error,omitempty"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
}

func toRegistrationDoc(r *webhook.Registration) *registrationDoc {
	return &registrationDoc{
		ID:               r.ID,
		CarrierID:        r.CarrierID,
		TrackingNumber:   r.TrackingNumber,
		CallbackURL:      r.CallbackURL,
		ExpirationTime:   r.ExpirationTime.UTC(),
		Active:           r.Active,
		LastChecksum:     r.LastChecksum,
		LastCheckedAt:    timeUTC(r.LastCheckedAt),
		DeliveryAttempts: r.DeliveryAttempts,
		LastDeliveryAt:   timeUTC(r.LastDeliveryAt),
		LastError:        r.LastError,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func fromRegistrationDoc(d *registrationDoc) *webhook.Registration {
	r := &webhook.Registration{
		ID:               d.ID,
		CarrierID:        d.CarrierID,
		TrackingNumber:   d.TrackingNumber,
		CallbackURL:      d.CallbackURL,
		ExpirationTime:   d.ExpirationTime,
		Active:           d.Active,
		LastChecksum:     d.LastChecksum,
		LastCheckedAt:    d.LastCheckedAt,
		DeliveryAttempts: d.DeliveryAttempts,
		LastDeliveryAt:   d.LastDeliveryAt,
		LastError:        d.LastError,
	}
	r.CreatedAt = d.CreatedAt
	r.UpdatedAt = d.UpdatedAt
	return r
}

// deliveryLogDoc is the BSON shape of a delivery attempt record. IDs are
// ObjectIDs generated on insert and exposed to callers as hex strings.
type deliveryLogDoc struct {
	ID                    bson.ObjectID `bson:"_id"`
	WebhookRegistrationID string        `bson:"webhook_registration_id"`
	AttemptNumber         int           `bson:"attempt_number"`
	StatusCode            *int          `bson:"status_code,omitempty"`
	Success               bool          `bson:"success"`
	ErrorMessage          string        `bson:"error_message,omitempty"`
	RequestBody           string        `bson:"request_body,omitempty"`
	ResponseBody          string        `bson:"response_body,omitempty"`
	DeliveredAt           time.Time     `bson:"delivered_at"`
}

func toDeliveryLogDoc(l *webhook.DeliveryLog) *deliveryLogDoc {
	return &deliveryLogDoc{
		ID:                    bson.NewObjectID(),
		WebhookRegistrationID: l.WebhookRegistrationID,
		AttemptNumber:         l.AttemptNumber,
		StatusCode:            l.StatusCode,
		Success:               l.Success,
		ErrorMessage:          webhook.TruncateBytes(l.ErrorMessage, webhook.MaxErrorMessageBytes),
		RequestBody:           l.RequestBody,
		ResponseBody:          webhook.TruncateBytes(l.ResponseBody, webhook.MaxResponseBodyBytes),
		DeliveredAt:           l.DeliveredAt.UTC(),
	}
}

func fromDeliveryLogDoc(d *deliveryLogDoc) *webhook.DeliveryLog {
	return &webhook.DeliveryLog{
		ID:                    d.ID.Hex(),
		WebhookRegistrationID: d.WebhookRegistrationID,
		AttemptNumber:         d.AttemptNumber,
		StatusCode:            d.StatusCode,
		Success:               d.Success,
		ErrorMessage:          d.ErrorMessage,
		RequestBody:           d.RequestBody,
		ResponseBody:          d.ResponseBody,
		DeliveredAt:           d.DeliveredAt,
	}
}

func timeUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
