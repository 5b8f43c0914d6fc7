package tenant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"scanmeter/internal/quota/models"
	dErrors "scanmeter/pkg/domain-errors"
)

// =============================================================================
// In-Memory Tenant Store Test Suite
// =============================================================================
// Justification for unit tests: this store holds the billing source of truth;
// a lost update under concurrent recordings is money that never gets invoiced.

type MemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	now   time.Time
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = New()
	s.now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func (s *MemoryStoreSuite) seed(tenantID string, limitUnits int64, rate int64) *models.QuotaConfig {
	cfg, err := models.NewQuotaConfig(tenantID, models.Plan{
		ID:           "test-plan",
		MonthlyQuota: limitUnits,
		ScanPrice:    decimal.NewFromInt(rate),
	}, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Save(context.Background(), cfg))
	return cfg
}

// =============================================================================
// Round-Trip Tests
// =============================================================================

func (s *MemoryStoreSuite) TestSaveAndLoad() {
	ctx := context.Background()

	s.Run("round-trips a config", func() {
		saved := s.seed("acme", 50, 75)

		loaded, err := s.store.Load(ctx, "acme")
		s.Require().NoError(err)
		s.Require().NotNil(loaded)
		s.Equal(saved.MonthlyLimit, loaded.MonthlyLimit)
		s.True(saved.OverageRate.Equal(loaded.OverageRate))
	})

	s.Run("unknown tenant loads as nil without error", func() {
		loaded, err := s.store.Load(ctx, "ghost")
		s.NoError(err)
		s.Nil(loaded)
	})

	s.Run("rejects a config without tenant_id", func() {
		err := s.store.Save(ctx, &models.QuotaConfig{})
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
	})

	s.Run("returned configs are copies", func() {
		s.seed("isolated", 50, 75)

		loaded, err := s.store.Load(ctx, "isolated")
		s.Require().NoError(err)
		loaded.CurrentUsage = 99999
		loaded.FeatureFlags["tampered"] = true

		again, err := s.store.Load(ctx, "isolated")
		s.Require().NoError(err)
		s.Zero(again.CurrentUsage)
		s.False(again.FeatureFlags["tampered"])
	})
}

// =============================================================================
// Increment Tests
// =============================================================================

func (s *MemoryStoreSuite) TestIncrementUsage() {
	ctx := context.Background()

	s.Run("unknown tenant is not found", func() {
		_, err := s.store.IncrementUsage(ctx, "ghost", 1000, decimal.NewFromInt(75))
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})

	s.Run("accrues overage only for the over-limit portion", func() {
		s.seed("partial", 50, 75)

		// 49.8 units consumed, then a full-unit increment crosses the line.
		_, err := s.store.IncrementUsage(ctx, "partial", 49800, decimal.NewFromInt(75))
		s.Require().NoError(err)
		cfg, err := s.store.IncrementUsage(ctx, "partial", 1000, decimal.NewFromInt(75))
		s.Require().NoError(err)

		s.Equal(int64(50800), cfg.CurrentUsage)
		s.True(cfg.OverageAccrued.Equal(decimal.NewFromInt(60)), // 75 * 0.8
			"got %s", cfg.OverageAccrued)
	})

	s.Run("concurrent increments never lose updates", func() {
		s.seed("contended", 50, 60)

		const (
			workers       = 20
			perWorker     = 10
			incrementSize = int64(1000)
		)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					_, err := s.store.IncrementUsage(ctx, "contended", incrementSize, decimal.NewFromInt(60))
					s.NoError(err)
				}
			}()
		}
		wg.Wait()

		cfg, err := s.store.Load(ctx, "contended")
		s.Require().NoError(err)
		s.Equal(int64(workers*perWorker)*incrementSize, cfg.CurrentUsage)
		// 200 units recorded on a 50 allowance: 150 over at 60 each.
		s.True(cfg.OverageAccrued.Equal(decimal.NewFromInt(9000)),
			"got %s", cfg.OverageAccrued)
	})
}

// =============================================================================
// Plan Change and Reset Tests
// =============================================================================

func (s *MemoryStoreSuite) TestPlanLifecycle() {
	ctx := context.Background()

	s.Run("schedules a pending plan", func() {
		s.seed("acme", 50, 75)
		s.Require().NoError(s.store.SchedulePlanChange(ctx, "acme", "premium"))

		cfg, err := s.store.Load(ctx, "acme")
		s.Require().NoError(err)
		s.Equal("premium", cfg.PendingPlanID)
	})

	s.Run("schedule for an unknown tenant is not found", func() {
		err := s.store.SchedulePlanChange(ctx, "ghost", "premium")
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})

	s.Run("reset zeroes usage and applies the pending plan", func() {
		s.seed("resettable", 50, 75)
		_, err := s.store.IncrementUsage(ctx, "resettable", 60000, decimal.NewFromInt(75))
		s.Require().NoError(err)

		nextReset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		premium, _ := models.FindPlan(models.DefaultPlans(), "premium")
		cfg, err := s.store.ResetPeriod(ctx, "resettable", nextReset, &premium)
		s.Require().NoError(err)

		s.Zero(cfg.CurrentUsage)
		s.True(cfg.OverageAccrued.IsZero())
		s.Equal(nextReset, cfg.ResetDate)
		s.Equal("premium", cfg.PlanID)
		s.Empty(cfg.PendingPlanID)
		s.Equal(int64(500*models.UnitScale), cfg.MonthlyLimit)
	})

	s.Run("reset without a pending plan keeps the current plan", func() {
		s.seed("steady", 50, 75)
		nextReset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

		cfg, err := s.store.ResetPeriod(ctx, "steady", nextReset, nil)
		s.Require().NoError(err)
		s.Equal("test-plan", cfg.PlanID)
		s.Equal(int64(50*models.UnitScale), cfg.MonthlyLimit)
	})
}

func (s *MemoryStoreSuite) TestList() {
	ctx := context.Background()

	s.seed("a", 50, 75)
	s.seed("b", 200, 60)

	configs, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Len(configs, 2)
}
