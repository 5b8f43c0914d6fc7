// Package cache provides the advisory read-through TTL cache in front of the
// ledger's read paths and the subject deduplication cache. Neither cache is
// ever load-bearing for correctness: a miss or eviction only costs one extra
// round-trip to the source of truth.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/ports"
)

// Sweepable is anything a background sweep can expire entries from.
type Sweepable interface {
	Sweep(now time.Time) int
}

// Key builds a namespaced cache key with sanitized segments so tenant IDs can
// be matched substring-wise during invalidation.
func Key(class string, segments ...string) string {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, class)
	for _, s := range segments {
		parts = append(parts, models.SanitizeKeySegment(s))
	}
	return strings.Join(parts, ":")
}

type entry[T any] struct {
	payload   T
	writtenAt time.Time
	expiresAt time.Time
}

// TTLCache is a concurrency-safe read-through cache for one value class.
// Concurrent misses for the same key are collapsed into a single loader call.
type TTLCache[T any] struct {
	mu        sync.RWMutex
	entries   map[string]entry[T]
	ttl       time.Duration
	clock     clock.Clock
	telemetry ports.TelemetrySink
	group     singleflight.Group
}

// NewTTL creates a cache whose entries live for ttl.
func NewTTL[T any](ttl time.Duration, clk clock.Clock, telemetry ports.TelemetrySink) *TTLCache[T] {
	if telemetry == nil {
		telemetry = ports.NopTelemetry{}
	}
	return &TTLCache[T]{
		entries:   make(map[string]entry[T]),
		ttl:       ttl,
		clock:     clk,
		telemetry: telemetry,
	}
}

// Get returns the cached value for key, or reports a miss once the TTL has
// elapsed. Expired entries are left for the sweep.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	e, exists := c.entries[key]
	size := len(c.entries)
	c.mu.RUnlock()

	hit := exists && c.clock.Now().Before(e.expiresAt)
	c.telemetry.RecordCacheAccess(hit, size)
	if !hit {
		var zero T
		return zero, false
	}
	return e.payload, true
}

// GetOrLoad returns the cached value or loads it from the source of truth,
// caching the result. Loader errors pass through uncached.
func (c *TTLCache[T]) GetOrLoad(ctx context.Context, key string, loader func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		loaded, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, loaded)
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Put stores a value under the cache's TTL.
func (c *TTLCache[T]) Put(key string, value T) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[T]{
		payload:   value,
		writtenAt: now,
		expiresAt: now.Add(c.ttl),
	}
}

// InvalidateTenant removes every key containing the tenant's sanitized
// segment. Called after any ledger mutation for that tenant.
func (c *TTLCache[T]) InvalidateTenant(tenantID string) {
	segment := models.SanitizeKeySegment(tenantID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.Contains(key, segment) {
			delete(c.entries, key)
		}
	}
}

// Sweep removes expired entries, bounding memory growth independent of access
// patterns. Returns the number removed.
func (c *TTLCache[T]) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) || now.Equal(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *TTLCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
