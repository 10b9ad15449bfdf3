package carrier

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/BongHwi/delivery-tracker/track"
)

// Breaker wraps a Carrier in a circuit breaker so a flapping upstream trips
// open and fails fast instead of stalling every monitor tick. Breaker-open
// errors surface as ordinary tracking errors, which the monitor absorbs
// into lastError without consuming delivery retries.
type Breaker struct {
	inner Carrier
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps c with the given breaker settings. A zero Settings.Name
// is filled in from the carrier id.
func WithBreaker(c Carrier, settings gobreaker.Settings) *Breaker {
	if settings.Name == "" {
		settings.Name = c.ID()
	}
	return &Breaker{inner: c, cb: gobreaker.NewCircuitBreaker(settings)}
}

// ID implements Carrier.
func (b *Breaker) ID() string { return b.inner.ID() }

// Track implements Carrier.
func (b *Breaker) Track(ctx context.Context, trackingNumber string) (*track.Info, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.Track(ctx, trackingNumber)
	})
	if err != nil {
		return nil, err
	}
	return v.(*track.Info), nil
}

// State exposes the underlying breaker state for observability.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
