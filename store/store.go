// Package store defines the composite persistence interface and selects a
// backend from a database URL.
//
// The registration contract lives in the webhook package; this package adds
// the lifecycle methods a managed backend needs and the scheme-based
// constructor used by the tracker facade.
package store

import (
	"context"
	"strings"

	"github.com/BongHwi/delivery-tracker/store/memory"
	"github.com/BongHwi/delivery-tracker/store/mongo"
	"github.com/BongHwi/delivery-tracker/store/postgres"
	"github.com/BongHwi/delivery-tracker/store/sqlite"
	"github.com/BongHwi/delivery-tracker/webhook"
)

// Store is the aggregate persistence interface: the registration store plus
// backend lifecycle.
type Store interface {
	webhook.Store

	// Migrate creates the backend schema. Idempotent.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// Every backend satisfies the composite interface.
var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
	_ Store = (*mongo.Store)(nil)
)

// Open selects a backend from the database URL scheme: postgres:// and
// postgresql:// connect to PostgreSQL, mongodb:// and mongodb+srv:// to
// MongoDB. Anything else is treated as a SQLite path (a file, a file: URI,
// or :memory:).
func Open(databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.Open(databaseURL)
	case strings.HasPrefix(databaseURL, "mongodb://"),
		strings.HasPrefix(databaseURL, "mongodb+srv://"):
		return mongo.Open(databaseURL)
	default:
		return sqlite.Open(databaseURL)
	}
}
