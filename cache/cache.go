// Package cache holds recently fetched tracking results so that webhooks
// watching the same shipment share one carrier call per TTL window. It is a
// coalescer for polling pressure, not a source of truth.
package cache

import (
	"sync"
	"time"

	"github.com/BongHwi/delivery-tracker/track"
)

// Defaults applied when New receives zero values.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 1000
)

type key struct {
	carrierID      string
	trackingNumber string
}

type entry struct {
	info       *track.Info
	insertedAt time.Time
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Size      int           `json:"size"`
	MaxSize   int           `json:"maxSize"`
	TTL       time.Duration `json:"ttl"`
	Hits      uint64        `json:"hits"`
	Misses    uint64        `json:"misses"`
	Evictions uint64        `json:"evictions"`
}

// TrackingCache is a bounded TTL cache from (carrierId, trackingNumber) to
// the most recent track.Info. One mutex serializes all access, including
// the eviction scan.
type TrackingCache struct {
	mu      sync.Mutex
	entries map[key]entry
	ttl     time.Duration
	maxSize int

	hits      uint64
	misses    uint64
	evictions uint64
}

// New returns a cache with the given TTL and size bound. Zero or negative
// values fall back to the defaults.
func New(ttl time.Duration, maxSize int) *TrackingCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &TrackingCache{
		entries: make(map[key]entry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the cached info if present and fresh. A stale entry is
// deleted and reported as a miss. Callers receive a deep copy.
func (c *TrackingCache) Get(carrierID, trackingNumber string) *track.Info {
	k := key{carrierID, trackingNumber}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		c.misses++
		return nil
	}
	if now.Sub(e.insertedAt) > c.ttl {
		delete(c.entries, k)
		c.misses++
		return nil
	}
	c.hits++
	return e.info.Clone()
}

// Set inserts or replaces the entry for the key. If the insert would push
// the cache past its size bound, the entry with the oldest insertion
// timestamp is evicted first.
func (c *TrackingCache) Set(carrierID, trackingNumber string, info *track.Info) {
	k := key{carrierID, trackingNumber}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[k] = entry{info: info.Clone(), insertedAt: time.Now()}
}

// Invalidate removes one entry.
func (c *TrackingCache) Invalidate(carrierID, trackingNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key{carrierID, trackingNumber})
}

// Clear removes every entry. Counters are kept.
func (c *TrackingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]entry)
}

// Cleanup evicts all stale entries and returns how many were dropped.
func (c *TrackingCache) Cleanup() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Stats returns a snapshot of size and counter state.
func (c *TrackingCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
		TTL:       c.ttl,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *TrackingCache) evictOldestLocked() {
	var (
		oldestKey key
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.insertedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.insertedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}
