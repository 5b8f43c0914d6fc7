package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"scanmeter/internal/platform/clock"
)

// =============================================================================
// Read-Through Cache Test Suite
// =============================================================================
// Justification for unit tests: TTL expiry, invalidation scoping, and loader
// collapsing are timing-sensitive behaviors that need a controllable clock.

type ReadThroughSuite struct {
	suite.Suite
	clock *clock.Fixed
	cache *TTLCache[string]
}

func TestReadThroughSuite(t *testing.T) {
	suite.Run(t, new(ReadThroughSuite))
}

func (s *ReadThroughSuite) SetupTest() {
	s.clock = clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s.cache = NewTTL[string](60*time.Second, s.clock, nil)
}

// =============================================================================
// Get / Put Tests
// =============================================================================

func (s *ReadThroughSuite) TestGetPut() {
	s.Run("miss on unknown key", func() {
		_, ok := s.cache.Get("absent")
		s.False(ok)
	})

	s.Run("hit inside TTL", func() {
		s.cache.Put(Key("config", "clinic-1"), "payload")
		v, ok := s.cache.Get(Key("config", "clinic-1"))
		s.True(ok)
		s.Equal("payload", v)
	})

	s.Run("miss once TTL elapsed", func() {
		s.cache.Put("expiring", "payload")
		s.clock.Advance(61 * time.Second)
		_, ok := s.cache.Get("expiring")
		s.False(ok)
	})

	s.Run("put refreshes expiry", func() {
		s.cache.Put("refreshed", "v1")
		s.clock.Advance(45 * time.Second)
		s.cache.Put("refreshed", "v2")
		s.clock.Advance(45 * time.Second)

		v, ok := s.cache.Get("refreshed")
		s.True(ok)
		s.Equal("v2", v)
	})
}

// =============================================================================
// GetOrLoad Tests
// =============================================================================

func (s *ReadThroughSuite) TestGetOrLoad() {
	ctx := context.Background()

	s.Run("loads and caches on miss", func() {
		calls := 0
		loader := func(context.Context) (string, error) {
			calls++
			return "loaded", nil
		}

		v, err := s.cache.GetOrLoad(ctx, "load-key", loader)
		s.NoError(err)
		s.Equal("loaded", v)

		v, err = s.cache.GetOrLoad(ctx, "load-key", loader)
		s.NoError(err)
		s.Equal("loaded", v)
		s.Equal(1, calls)
	})

	s.Run("loader errors pass through uncached", func() {
		boom := errors.New("source unavailable")
		_, err := s.cache.GetOrLoad(ctx, "failing", func(context.Context) (string, error) {
			return "", boom
		})
		s.ErrorIs(err, boom)

		v, err := s.cache.GetOrLoad(ctx, "failing", func(context.Context) (string, error) {
			return "recovered", nil
		})
		s.NoError(err)
		s.Equal("recovered", v)
	})

	s.Run("concurrent misses collapse into one load", func() {
		var calls atomic.Int32
		release := make(chan struct{})
		loader := func(context.Context) (string, error) {
			calls.Add(1)
			<-release
			return "shared", nil
		}

		var wg sync.WaitGroup
		results := make([]string, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := s.cache.GetOrLoad(ctx, "collapsed", loader)
				s.NoError(err)
				results[i] = v
			}(i)
		}

		// Give every goroutine time to reach the singleflight barrier.
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		s.Equal(int32(1), calls.Load())
		for _, v := range results {
			s.Equal("shared", v)
		}
	})
}

// =============================================================================
// Invalidation Tests
// =============================================================================

func (s *ReadThroughSuite) TestInvalidateTenant() {
	s.Run("removes only the tenant's keys", func() {
		s.cache.Put(Key("config", "clinic-1"), "a")
		s.cache.Put(Key("stats", "clinic-1", "2026-03"), "b")
		s.cache.Put(Key("config", "clinic-2"), "c")

		s.cache.InvalidateTenant("clinic-1")

		_, ok := s.cache.Get(Key("config", "clinic-1"))
		s.False(ok)
		_, ok = s.cache.Get(Key("stats", "clinic-1", "2026-03"))
		s.False(ok)
		_, ok = s.cache.Get(Key("config", "clinic-2"))
		s.True(ok)
	})

	s.Run("tenant IDs with delimiters cannot alias other tenants", func() {
		s.cache.Put(Key("config", "acme"), "a")
		s.cache.InvalidateTenant("ac_me")

		_, ok := s.cache.Get(Key("config", "acme"))
		s.True(ok)
	})
}

// =============================================================================
// Sweep Tests
// =============================================================================

func (s *ReadThroughSuite) TestSweep() {
	s.Run("removes expired entries and reports the count", func() {
		s.cache.Put("old", "a")
		s.clock.Advance(40 * time.Second)
		s.cache.Put("fresh", "b")
		s.clock.Advance(30 * time.Second)

		removed := s.cache.Sweep(s.clock.Now())
		s.Equal(1, removed)
		s.Equal(1, s.cache.Len())

		_, ok := s.cache.Get("fresh")
		s.True(ok)
	})

	s.Run("noop when nothing expired", func() {
		s.cache.Put("young", "a")
		s.Equal(0, s.cache.Sweep(s.clock.Now().Add(20*time.Second)))
	})
}
