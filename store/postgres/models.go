package postgres

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/BongHwi/delivery-tracker/webhook"
)

// registrationColumns is the canonical SELECT list; scanRegistration must
// stay in the same order.
const registrationColumns = `id, carrier_id, tracking_number, callback_url, expiration_time,
    active, last_checksum, last_checked_at, delivery_attempts, last_delivery_at, last_error,
    created_at, updated_at`

const deliveryLogColumns = `id, webhook_registration_id, attempt_number, status_code, success,
    error_message, request_body, response_body, delivered_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*webhook.Registration, error) {
	var (
		reg           webhook.Registration
		lastChecksum  sql.NullString
		lastCheckedAt sql.NullTime
		lastDelivery  sql.NullTime
		lastError     sql.NullString
	)
	err := row.Scan(
		&reg.ID, &reg.CarrierID, &reg.TrackingNumber, &reg.CallbackURL, &reg.ExpirationTime,
		&reg.Active, &lastChecksum, &lastCheckedAt, &reg.DeliveryAttempts, &lastDelivery, &lastError,
		&reg.CreatedAt, &reg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	reg.LastChecksum = strPtr(lastChecksum)
	reg.LastCheckedAt = timePtr(lastCheckedAt)
	reg.LastDeliveryAt = timePtr(lastDelivery)
	reg.LastError = strPtr(lastError)
	return &reg, nil
}

func scanDeliveryLog(row rowScanner) (*webhook.DeliveryLog, error) {
	var (
		log        webhook.DeliveryLog
		id         int64
		statusCode sql.NullInt64
	)
	err := row.Scan(
		&id, &log.WebhookRegistrationID, &log.AttemptNumber, &statusCode, &log.Success,
		&log.ErrorMessage, &log.RequestBody, &log.ResponseBody, &log.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	log.ID = strconv.FormatInt(id, 10)
	if statusCode.Valid {
		code := int(statusCode.Int64)
		log.StatusCode = &code
	}
	return &log, nil
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
