// Package carrier defines the contract between the webhook subsystem and
// the per-carrier scrapers, and the registry that resolves carrier ids.
package carrier

import (
	"context"
	"sort"
	"sync"

	"github.com/BongHwi/delivery-tracker/track"
)

// Carrier is the single capability this subsystem needs from a scraper:
// resolve one tracking number to its current timeline. Implementations own
// their transport, credentials, and timeouts.
type Carrier interface {
	// ID returns the stable carrier identifier, e.g. "kr.cjlogistics".
	ID() string

	// Track fetches the current tracking state for a tracking number.
	Track(ctx context.Context, trackingNumber string) (*track.Info, error)
}

// Registry resolves carrier ids to handles. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	carriers map[string]Carrier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{carriers: make(map[string]Carrier)}
}

// Register adds a carrier, replacing any previous one with the same id.
func (r *Registry) Register(c Carrier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carriers[c.ID()] = c
}

// Get returns the carrier for id.
func (r *Registry) Get(id string) (Carrier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.carriers[id]
	return c, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns the registered carrier ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.carriers))
	for id := range r.carriers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Func adapts a plain function into a Carrier. Useful for stubs and for
// carriers whose state lives elsewhere.
type Func struct {
	Name    string
	TrackFn func(ctx context.Context, trackingNumber string) (*track.Info, error)
}

// ID implements Carrier.
func (f *Func) ID() string { return f.Name }

// Track implements Carrier.
func (f *Func) Track(ctx context.Context, trackingNumber string) (*track.Info, error) {
	return f.TrackFn(ctx, trackingNumber)
}
