package tracker

import "errors"

// Sentinel errors returned by tracker operations.
var (
	// ErrNoStore is returned by New when neither a store nor a database URL
	// is configured.
	ErrNoStore = errors.New("tracker: store is required")

	// ErrNoRedis is returned by New when neither a Redis client nor a Redis
	// address is configured.
	ErrNoRedis = errors.New("tracker: redis is required")

	// ErrCarrierUnknown is wrapped into the validation error Register returns
	// for a carrier id the registry does not know.
	ErrCarrierUnknown = errors.New("tracker: carrier unknown")
)
