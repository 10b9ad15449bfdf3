// Package sqlite implements the registration store on SQLite via the
// modernc.org driver. It is the default backend: a single file (or
// :memory:) with no external service to run.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BongHwi/delivery-tracker/webhook"
)

var _ webhook.Store = (*Store)(nil)

// Store implements the registration store on a SQLite database.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the SQLite database at path. Foreign keys are
// enabled and writers wait up to five seconds for the file lock instead of
// failing with SQLITE_BUSY.
func Open(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migration failed: %w", err)
		}
	}
	return tx.Commit()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ──────────────────────────────────────────────────
// Registrations
// ──────────────────────────────────────────────────

func (s *Store) Create(ctx context.Context, reg *webhook.Registration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_registrations (`+registrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.CarrierID, reg.TrackingNumber, reg.CallbackURL, reg.ExpirationTime.UTC(),
		reg.Active, nullStr(reg.LastChecksum), nullTime(reg.LastCheckedAt),
		reg.DeliveryAttempts, nullTime(reg.LastDeliveryAt), nullStr(reg.LastError),
		reg.CreatedAt.UTC(), reg.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create registration: %w", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*webhook.Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+registrationColumns+`
		FROM webhook_registrations
		WHERE id = ?`, id)

	reg, err := scanRegistration(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: find registration: %w", err)
	}
	return reg, nil
}

// FindActive returns active registrations, never-checked ones first.
// SQLite sorts NULL before any value in ascending order, so no explicit
// NULLS FIRST is needed.
func (s *Store) FindActive(ctx context.Context) ([]*webhook.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+registrationColumns+`
		FROM webhook_registrations
		WHERE active = 1
		ORDER BY last_checked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find active: %w", err)
	}
	defer rows.Close()
	return collectRegistrations(rows)
}

func (s *Store) FindDueForCheck(ctx context.Context, limit int) ([]*webhook.Registration, error) {
	cutoff := now().Add(-webhook.FreshnessWindow)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+registrationColumns+`
		FROM webhook_registrations
		WHERE active = 1 AND (last_checked_at IS NULL OR last_checked_at < ?)
		ORDER BY last_checked_at ASC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find due: %w", err)
	}
	defer rows.Close()
	return collectRegistrations(rows)
}

func (s *Store) Update(ctx context.Context, id string, patch webhook.Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{now()}

	if patch.LastChecksum != nil {
		sets = append(sets, "last_checksum = ?")
		args = append(args, *patch.LastChecksum)
	}
	if patch.LastCheckedAt != nil {
		sets = append(sets, "last_checked_at = ?")
		args = append(args, patch.LastCheckedAt.UTC())
	}
	if patch.ClearLastError {
		sets = append(sets, "last_error = NULL")
	} else if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, webhook.TruncateBytes(*patch.LastError, webhook.MaxLastErrorBytes))
	}
	if patch.LastDeliveryAt != nil {
		sets = append(sets, "last_delivery_at = ?")
		args = append(args, patch.LastDeliveryAt.UTC())
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE webhook_registrations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("sqlite: update registration: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_registrations
		SET active = 0, updated_at = ?
		WHERE id = ? AND active = 1`, now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: deactivate registration: %w", err)
	}
	return nil
}

func (s *Store) DeactivateExpired(ctx context.Context) (int64, error) {
	t := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_registrations
		SET active = 0, updated_at = ?
		WHERE active = 1 AND expiration_time <= ?`, t, t)
	if err != nil {
		return 0, fmt.Errorf("sqlite: deactivate expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) IncrementDeliveryAttempts(ctx context.Context, id string) (*webhook.Registration, error) {
	t := now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE webhook_registrations
		SET delivery_attempts = delivery_attempts + 1, last_delivery_at = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+registrationColumns, t, t, id)

	reg, err := scanRegistration(row)
	if err != nil {
		if isNoRows(err) {
			return nil, webhook.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: increment attempts: %w", err)
	}
	return reg, nil
}

// ──────────────────────────────────────────────────
// Delivery logs
// ──────────────────────────────────────────────────

func (s *Store) LogDelivery(ctx context.Context, log *webhook.DeliveryLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_delivery_logs
		    (webhook_registration_id, attempt_number, status_code, success,
		     error_message, request_body, response_body, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.WebhookRegistrationID, log.AttemptNumber, nullInt(log.StatusCode), log.Success,
		webhook.TruncateBytes(log.ErrorMessage, webhook.MaxErrorMessageBytes),
		log.RequestBody,
		webhook.TruncateBytes(log.ResponseBody, webhook.MaxResponseBodyBytes),
		log.DeliveredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: log delivery: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: log delivery id: %w", err)
	}
	log.ID = strconv.FormatInt(id, 10)
	return nil
}

func (s *Store) GetDeliveryLogs(ctx context.Context, registrationID string, limit int) ([]*webhook.DeliveryLog, error) {
	query := `
		SELECT ` + deliveryLogColumns + `
		FROM webhook_delivery_logs
		WHERE webhook_registration_id = ?
		ORDER BY delivered_at DESC, id DESC`
	args := []any{registrationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []*webhook.DeliveryLog
	for rows.Next() {
		log, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan delivery log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func collectRegistrations(rows *sql.Rows) ([]*webhook.Registration, error) {
	var regs []*webhook.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func now() time.Time {
	return time.Now().UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
