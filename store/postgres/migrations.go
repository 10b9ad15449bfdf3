package postgres

// migrations are applied in order inside one transaction. Statements are
// idempotent so re-running them on an existing database is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS webhook_registrations (
    id                TEXT PRIMARY KEY,
    carrier_id        TEXT NOT NULL DEFAULT '',
    tracking_number   TEXT NOT NULL DEFAULT '',
    callback_url      TEXT NOT NULL DEFAULT '',
    expiration_time   TIMESTAMPTZ NOT NULL,
    active            BOOLEAN NOT NULL DEFAULT TRUE,
    last_checksum     TEXT,
    last_checked_at   TIMESTAMPTZ,
    delivery_attempts INT NOT NULL DEFAULT 0,
    last_delivery_at  TIMESTAMPTZ,
    last_error        TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_registrations_active ON webhook_registrations (active)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_registrations_shipment ON webhook_registrations (carrier_id, tracking_number)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_registrations_expiration ON webhook_registrations (expiration_time) WHERE active`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_registrations_checked ON webhook_registrations (last_checked_at) WHERE active`,
	`CREATE TABLE IF NOT EXISTS webhook_delivery_logs (
    id                      BIGSERIAL PRIMARY KEY,
    webhook_registration_id TEXT NOT NULL,
    attempt_number          INT NOT NULL DEFAULT 0,
    status_code             INT,
    success                 BOOLEAN NOT NULL DEFAULT FALSE,
    error_message           TEXT NOT NULL DEFAULT '',
    request_body            TEXT NOT NULL DEFAULT '',
    response_body           TEXT NOT NULL DEFAULT '',
    delivered_at            TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_delivery_logs_registration ON webhook_delivery_logs (webhook_registration_id, delivered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_delivery_logs_delivered ON webhook_delivery_logs (delivered_at)`,
}
