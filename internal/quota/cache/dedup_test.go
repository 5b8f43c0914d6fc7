package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/models"
	dedupStore "scanmeter/internal/quota/store/dedup"
)

// =============================================================================
// Dedup Cache Test Suite
// =============================================================================
// Justification for unit tests: window arithmetic, anonymous-subject handling,
// and two-tier promotion decide whether quota is charged at all; they need a
// controllable clock and a fake durable tier.

type DedupCacheSuite struct {
	suite.Suite
	clock *clock.Fixed
	store *dedupStore.InMemoryStore
	cache *DedupCache
}

func TestDedupCacheSuite(t *testing.T) {
	suite.Run(t, new(DedupCacheSuite))
}

func (s *DedupCacheSuite) SetupTest() {
	s.clock = clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s.store = dedupStore.New().WithNow(s.clock.Now)

	var err error
	s.cache, err = NewDedup(s.store, 24*time.Hour, 100, WithDedupClock(s.clock))
	s.Require().NoError(err)
}

func (s *DedupCacheSuite) subject(email string) models.SubjectIdentity {
	return models.SubjectIdentity{Name: "Jordan Reyes", Email: email, Age: 34, SkinType: "mixed"}
}

// =============================================================================
// Constructor Tests (Invariant Enforcement)
// =============================================================================

func (s *DedupCacheSuite) TestNewDedup() {
	s.Run("rejects non-positive window", func() {
		_, err := NewDedup(s.store, 0, 100)
		s.Error(err)
		s.Contains(err.Error(), "window must be positive")
	})

	s.Run("rejects non-positive max entries", func() {
		_, err := NewDedup(s.store, time.Hour, 0)
		s.Error(err)
		s.Contains(err.Error(), "max entries must be positive")
	})

	s.Run("nil durable tier is allowed", func() {
		c, err := NewDedup(nil, time.Hour, 10)
		s.NoError(err)
		s.NotNil(c)
	})
}

// =============================================================================
// CheckRecent Tests
// =============================================================================

func (s *DedupCacheSuite) TestCheckRecent() {
	ctx := context.Background()

	s.Run("first scan is a miss", func() {
		result, err := s.cache.CheckRecent(ctx, "clinic-1", s.subject("jordan@example.com"))
		s.NoError(err)
		s.False(result.IsHit)
		s.Equal("first scan for subject", result.Reason)
	})

	s.Run("repeat inside the window is a hit", func() {
		subject := s.subject("repeat@example.com")
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, &models.ResultSummary{Score: 71.5, Summary: "stable"}))
		s.clock.Advance(2 * time.Hour)

		result, err := s.cache.CheckRecent(ctx, "clinic-1", subject)
		s.NoError(err)
		s.True(result.IsHit)
		s.Require().NotNil(result.Previous)
		s.Equal(71.5, result.Previous.Score)
		s.Equal(2*time.Hour, result.Elapsed)
		s.Contains(result.Reason, "ago")
	})

	s.Run("repeat outside the window is a miss and removes the record", func() {
		subject := s.subject("stale@example.com")
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, nil))
		s.clock.Advance(25 * time.Hour)

		result, err := s.cache.CheckRecent(ctx, "clinic-1", subject)
		s.NoError(err)
		s.False(result.IsHit)
		s.Contains(result.Reason, "outside deduplication window")

		stored, err := s.store.Get(ctx, subject.SubjectKey("clinic-1"))
		s.NoError(err)
		s.Nil(stored)
	})

	s.Run("anonymous subjects are never matched", func() {
		anon := models.SubjectIdentity{Age: 30, SkinType: "dry"}
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", anon, nil))

		result, err := s.cache.CheckRecent(ctx, "clinic-1", anon)
		s.NoError(err)
		s.False(result.IsHit)
		s.Contains(result.Reason, "anonymous")
	})

	s.Run("same subject in another tenant is a miss", func() {
		subject := s.subject("shared@example.com")
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, nil))

		result, err := s.cache.CheckRecent(ctx, "clinic-2", subject)
		s.NoError(err)
		s.False(result.IsHit)
	})

	s.Run("durable tier survives in-process restart", func() {
		subject := s.subject("durable@example.com")
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, &models.ResultSummary{Score: 60, Summary: "ok"}))

		restarted, err := NewDedup(s.store, 24*time.Hour, 100, WithDedupClock(s.clock))
		s.Require().NoError(err)
		s.clock.Advance(time.Hour)

		result, err := restarted.CheckRecent(ctx, "clinic-1", subject)
		s.NoError(err)
		s.True(result.IsHit)
		s.Equal(60.0, result.Previous.Score)
	})
}

// =============================================================================
// Record Tests
// =============================================================================

func (s *DedupCacheSuite) TestRecord() {
	ctx := context.Background()

	s.Run("increments occurrence count on repeat", func() {
		subject := s.subject("counted@example.com")
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, nil))
		s.clock.Advance(time.Hour)
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, nil))

		result, err := s.cache.CheckRecent(ctx, "clinic-1", subject)
		s.NoError(err)
		s.Require().True(result.IsHit)
		s.Equal(2, result.Previous.OccurrenceCount)
		s.Equal(s.clock.Now(), result.Previous.LastSeenAt)
	})

	s.Run("restarts the count after the window", func() {
		subject := s.subject("restarted@example.com")
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, nil))
		s.clock.Advance(25 * time.Hour)
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, nil))

		result, err := s.cache.CheckRecent(ctx, "clinic-1", subject)
		s.NoError(err)
		s.Require().True(result.IsHit)
		s.Equal(1, result.Previous.OccurrenceCount)
	})

	s.Run("stores the fingerprint, not raw attributes", func() {
		subject := s.subject("hashed@example.com")
		s.Require().NoError(s.cache.Record(ctx, "clinic-1", subject, nil))

		stored, err := s.store.Get(ctx, subject.SubjectKey("clinic-1"))
		s.NoError(err)
		s.Require().NotNil(stored)
		s.Equal(subject.Fingerprint(), stored.Fingerprint)
		s.Len(stored.Fingerprint, 64)
	})

	s.Run("concurrent checks and records on one subject are safe", func() {
		subject := s.subject("contended@example.com")

		const workers = 50
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.NoError(s.cache.Record(ctx, "clinic-1", subject, &models.ResultSummary{Score: 70, Summary: "stable"}))
				_, err := s.cache.CheckRecent(ctx, "clinic-1", subject)
				s.NoError(err)
			}()
		}
		wg.Wait()

		result, err := s.cache.CheckRecent(ctx, "clinic-1", subject)
		s.NoError(err)
		s.Require().True(result.IsHit)
		s.Equal(workers, result.Previous.OccurrenceCount)
	})

	s.Run("size threshold triggers a sweep of expired entries", func() {
		small, err := NewDedup(nil, time.Hour, 3, WithDedupClock(s.clock))
		s.Require().NoError(err)

		for i := 0; i < 2; i++ {
			s.Require().NoError(small.Record(ctx, "clinic-1", s.subject(fmt.Sprintf("old%d@example.com", i)), nil))
		}
		s.clock.Advance(2 * time.Hour)
		s.Require().NoError(small.Record(ctx, "clinic-1", s.subject("new@example.com"), nil))

		s.Equal(1, small.Len())
	})
}

// =============================================================================
// CachedResult Tests
// =============================================================================

func (s *DedupCacheSuite) TestCachedResult() {
	s.Run("reconstructs the prior outcome without quota deduction", func() {
		record := &models.SubjectScanRecord{
			SubjectKey:      "clinic-1_someone",
			Score:           82.3,
			Summary:         "improving",
			LastSeenAt:      s.clock.Now().Add(-3 * time.Hour),
			OccurrenceCount: 4,
		}
		cached := s.cache.CachedResult(record, 3*time.Hour)
		s.True(cached.FromCache)
		s.Equal(82.3, cached.Score)
		s.Equal("improving", cached.Summary)
		s.Equal(4, cached.ScanCount)
		s.Equal(3*time.Hour, cached.Elapsed)
	})
}
