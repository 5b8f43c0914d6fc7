package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/metrics"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/ports"
	dErrors "scanmeter/pkg/domain-errors"
)

// DedupCache tracks recently scanned subjects so a repeat analysis inside the
// window is answered from the prior result instead of consuming quota. The hot
// path runs against an in-process map; a durable tier (Redis in production)
// is written through so the window survives restarts.
//
// The cache is strictly advisory. Any failure in the durable tier degrades to
// a miss and the operation proceeds as a first scan.
type DedupCache struct {
	mu      sync.RWMutex
	entries map[string]*models.SubjectScanRecord

	store      ports.DedupStore
	window     time.Duration
	maxEntries int

	clock     clock.Clock
	logger    *slog.Logger
	telemetry ports.TelemetrySink
	metrics   *metrics.Metrics
}

// DedupOption configures optional DedupCache dependencies.
type DedupOption func(*DedupCache)

func WithDedupLogger(logger *slog.Logger) DedupOption {
	return func(c *DedupCache) { c.logger = logger }
}

func WithDedupClock(clk clock.Clock) DedupOption {
	return func(c *DedupCache) { c.clock = clk }
}

func WithDedupTelemetry(sink ports.TelemetrySink) DedupOption {
	return func(c *DedupCache) { c.telemetry = sink }
}

func WithDedupMetrics(m *metrics.Metrics) DedupOption {
	return func(c *DedupCache) { c.metrics = m }
}

// NewDedup constructs a dedup cache over an optional durable tier. A nil
// store keeps the cache purely in-process.
func NewDedup(store ports.DedupStore, window time.Duration, maxEntries int, opts ...DedupOption) (*DedupCache, error) {
	if window <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "dedup window must be positive")
	}
	if maxEntries <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "dedup max entries must be positive")
	}
	c := &DedupCache{
		entries:    make(map[string]*models.SubjectScanRecord),
		store:      store,
		window:     window,
		maxEntries: maxEntries,
		clock:      clock.System{},
		logger:     slog.Default(),
		telemetry:  ports.NopTelemetry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckRecent reports whether the subject was scanned inside the window.
// Subjects without a stable key (no name and no email) are never matched.
func (c *DedupCache) CheckRecent(ctx context.Context, tenantID string, subject models.SubjectIdentity) (*models.DedupResult, error) {
	if !subject.HasStableKey() {
		return &models.DedupResult{IsHit: false, Reason: "anonymous subject, deduplication skipped"}, nil
	}
	key := subject.SubjectKey(tenantID)
	now := c.clock.Now()

	record, found := c.lookup(ctx, key)
	c.observe(found && now.Sub(record.LastSeenAt) < c.window)

	if !found {
		return &models.DedupResult{IsHit: false, Reason: "first scan for subject"}, nil
	}

	elapsed := now.Sub(record.LastSeenAt)
	if elapsed >= c.window {
		c.remove(ctx, key)
		return &models.DedupResult{
			IsHit:   false,
			Elapsed: elapsed,
			Reason:  "previous scan outside deduplication window",
		}, nil
	}

	return &models.DedupResult{
		IsHit:    true,
		Previous: &record,
		Elapsed:  elapsed,
		Reason:   fmt.Sprintf("subject scanned %s ago", elapsed.Round(time.Minute)),
	}, nil
}

// Record registers a completed scan for the subject, updating the occurrence
// count and writing through to the durable tier. Anonymous subjects are
// silently skipped.
func (c *DedupCache) Record(ctx context.Context, tenantID string, subject models.SubjectIdentity, summary *models.ResultSummary) error {
	if !subject.HasStableKey() {
		return nil
	}
	key := subject.SubjectKey(tenantID)
	now := c.clock.Now()

	c.mu.Lock()
	record, exists := c.entries[key]
	if exists && now.Sub(record.LastSeenAt) < c.window {
		record.LastSeenAt = now
		record.OccurrenceCount++
	} else {
		record = &models.SubjectScanRecord{
			SubjectKey:      key,
			TenantID:        tenantID,
			Fingerprint:     subject.Fingerprint(),
			LastSeenAt:      now,
			OccurrenceCount: 1,
		}
		c.entries[key] = record
	}
	if summary != nil {
		record.Score = summary.Score
		record.Summary = summary.Summary
	}
	dup := *record
	size := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.DedupEntries.Set(float64(size))
	}
	if size >= c.maxEntries {
		c.Sweep(now)
	}

	if c.store != nil {
		if err := c.store.Put(ctx, &dup, c.window); err != nil {
			c.logger.WarnContext(ctx, "dedup write-through failed",
				"subject_key", key, "error", err)
			c.telemetry.RecordError(err, tenantID)
		}
	}
	return nil
}

// CachedResult reconstructs a prior analysis outcome for a repeat subject.
func (c *DedupCache) CachedResult(record *models.SubjectScanRecord, elapsed time.Duration) *models.CachedAnalysis {
	return &models.CachedAnalysis{
		Score:     record.Score,
		Summary:   record.Summary,
		FromCache: true,
		LastScan:  record.LastSeenAt,
		ScanCount: record.OccurrenceCount,
		Elapsed:   elapsed,
	}
}

// Sweep removes entries whose last scan fell out of the window. Returns the
// number removed.
func (c *DedupCache) Sweep(now time.Time) int {
	c.mu.Lock()
	removed := 0
	for key, record := range c.entries {
		if now.Sub(record.LastSeenAt) >= c.window {
			delete(c.entries, key)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.DedupEntries.Set(float64(size))
	}
	return removed
}

// Len returns the current in-process entry count.
func (c *DedupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// lookup checks the in-process tier first, then the durable tier. The record
// comes back by value, copied under the lock, so a concurrent Record never
// mutates what a caller is reading. Durable failures degrade to a miss.
func (c *DedupCache) lookup(ctx context.Context, key string) (models.SubjectScanRecord, bool) {
	c.mu.RLock()
	if record, exists := c.entries[key]; exists {
		dup := *record
		c.mu.RUnlock()
		return dup, true
	}
	c.mu.RUnlock()

	if c.store == nil {
		return models.SubjectScanRecord{}, false
	}
	stored, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "dedup durable lookup failed",
			"subject_key", key, "error", err)
		return models.SubjectScanRecord{}, false
	}
	if stored == nil {
		return models.SubjectScanRecord{}, false
	}

	c.mu.Lock()
	c.entries[key] = stored
	dup := *stored
	c.mu.Unlock()
	return dup, true
}

// remove deletes a record from both tiers.
func (c *DedupCache) remove(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "dedup durable delete failed",
				"subject_key", key, "error", err)
		}
	}
}

func (c *DedupCache) observe(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.DedupHits.Inc()
	}
}
