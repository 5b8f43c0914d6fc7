package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/cache"
	"scanmeter/internal/quota/config"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/service/ledger"
	dedupStore "scanmeter/internal/quota/store/dedup"
	tenantStore "scanmeter/internal/quota/store/tenant"
	usageStore "scanmeter/internal/quota/store/usage"
	dErrors "scanmeter/pkg/domain-errors"
)

// =============================================================================
// Quota Gate Test Suite
// =============================================================================
// Justification for unit tests: the gate's ordering guarantees (no work after
// a refusal, recording after every attempt, free repeats) are the module's
// contract with callers and need precise step-level assertions.

type GateSuite struct {
	suite.Suite
	clock   *clock.Fixed
	tenants *tenantStore.InMemoryStore
	usage   *usageStore.InMemoryStore
	ledger  *ledger.Service
	dedup   *cache.DedupCache
	gate    *Gate
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	s.clock = clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s.tenants = tenantStore.New()
	s.usage = usageStore.New()

	var err error
	s.ledger, err = ledger.New(s.tenants, s.usage, config.Default(), ledger.WithClock(s.clock))
	s.Require().NoError(err)

	s.dedup, err = cache.NewDedup(dedupStore.New().WithNow(s.clock.Now), 24*time.Hour, 1000,
		cache.WithDedupClock(s.clock))
	s.Require().NoError(err)

	s.gate, err = New(s.ledger, s.dedup, WithClock(s.clock))
	s.Require().NoError(err)

	_, err = s.ledger.Provision(context.Background(), "clinic-1", "professional")
	s.Require().NoError(err)
}

func (s *GateSuite) request(subjectEmail string) Request {
	return Request{
		TenantID:  "clinic-1",
		UserID:    "user-1",
		Operation: models.OperationStandard,
		Subject:   models.SubjectIdentity{Name: "Jordan Reyes", Email: subjectEmail},
	}
}

func okWork(score float64) UnitOfWork {
	return func(context.Context) (*models.AnalysisResult, error) {
		return &models.AnalysisResult{Score: score, Summary: "fine"}, nil
	}
}

// =============================================================================
// Happy Path Tests
// =============================================================================

func (s *GateSuite) TestExecute() {
	ctx := context.Background()

	s.Run("fresh subject runs the work and deducts quota", func() {
		result, err := s.gate.Execute(ctx, s.request("fresh@example.com"), okWork(70))
		s.Require().NoError(err)
		s.False(result.FromCache())
		s.Equal(70.0, result.Analysis.Score)
		s.Equal(int64(models.UnitScale), result.Config.CurrentUsage)
		s.True(result.Record.Successful)
	})

	s.Run("successful work registers the subject for dedup", func() {
		result, err := s.dedup.CheckRecent(ctx, "clinic-1", models.SubjectIdentity{Name: "Jordan Reyes", Email: "fresh@example.com"})
		s.Require().NoError(err)
		s.True(result.IsHit)
	})
}

// =============================================================================
// Dedup Short-Circuit Tests
// =============================================================================

func (s *GateSuite) TestDedupShortCircuit() {
	ctx := context.Background()

	s.Run("second scan inside the window is free", func() {
		_, err := s.gate.Execute(ctx, s.request("repeat@example.com"), okWork(81))
		s.Require().NoError(err)
		s.clock.Advance(time.Hour)

		invoked := false
		result, err := s.gate.Execute(ctx, s.request("repeat@example.com"), func(context.Context) (*models.AnalysisResult, error) {
			invoked = true
			return nil, nil
		})
		s.Require().NoError(err)
		s.False(invoked, "unit of work must not run on a dedup hit")
		s.True(result.FromCache())
		s.Equal(81.0, result.Cached.Score)

		cfg, err := s.ledger.GetConfig(ctx, "clinic-1")
		s.Require().NoError(err)
		s.Equal(int64(models.UnitScale), cfg.CurrentUsage, "cached repeat must not deduct")
	})

	s.Run("after the window the subject is billed again", func() {
		s.clock.Advance(25 * time.Hour)
		result, err := s.gate.Execute(ctx, s.request("repeat@example.com"), okWork(82))
		s.Require().NoError(err)
		s.False(result.FromCache())
	})
}

// =============================================================================
// Refusal Tests
// =============================================================================

func (s *GateSuite) TestQuotaExceeded() {
	ctx := context.Background()

	s.Run("no_overage tenant at its limit is refused without running work", func() {
		cfg, err := s.ledger.Provision(ctx, "capped", "basic")
		s.Require().NoError(err)
		cfg.CurrentUsage = cfg.MonthlyLimit
		cfg.FeatureFlags[models.FlagNoOverage] = true
		s.Require().NoError(s.tenants.Save(ctx, cfg))

		invoked := false
		req := Request{TenantID: "capped", Operation: models.OperationStandard}
		_, err = s.gate.Execute(ctx, req, func(context.Context) (*models.AnalysisResult, error) {
			invoked = true
			return nil, nil
		})
		s.Require().Error(err)
		s.False(invoked)
		s.True(dErrors.Is(err, dErrors.CodeQuotaExceeded))

		var qErr *QuotaExceededError
		s.Require().True(errors.As(err, &qErr))
		s.Equal("capped", qErr.TenantID)
		s.Zero(qErr.RemainingUnits)
		s.True(qErr.EstimatedCost.Equal(decimal.NewFromInt(75)), "got %s", qErr.EstimatedCost)
	})

	s.Run("refused operations leave no usage record", func() {
		records, err := s.usage.Query(ctx, "capped", s.clock.Now().Add(-time.Hour), s.clock.Now().Add(time.Hour))
		s.Require().NoError(err)
		s.Empty(records)
	})
}

// =============================================================================
// Recording Guarantee Tests
// =============================================================================

func (s *GateSuite) TestRecordingGuarantees() {
	ctx := context.Background()

	s.Run("failed work is still recorded at zero cost and the failure propagates", func() {
		boom := errors.New("model unavailable")
		_, err := s.gate.Execute(ctx, s.request("failing@example.com"), func(context.Context) (*models.AnalysisResult, error) {
			return nil, boom
		})
		s.ErrorIs(err, boom)

		records, err := s.usage.Query(ctx, "clinic-1", s.clock.Now().Add(-time.Hour), s.clock.Now().Add(time.Hour))
		s.Require().NoError(err)
		s.Require().Len(records, 1)
		s.False(records[0].Successful)
		s.True(records[0].Cost.IsZero())

		cfg, err := s.ledger.GetConfig(ctx, "clinic-1")
		s.Require().NoError(err)
		s.Zero(cfg.CurrentUsage, "failed work must not deduct")
	})

	s.Run("failed subjects are not registered for dedup", func() {
		result, err := s.dedup.CheckRecent(ctx, "clinic-1", models.SubjectIdentity{Email: "failing@example.com"})
		s.Require().NoError(err)
		s.False(result.IsHit)
	})

	s.Run("recording survives caller cancellation during work", func() {
		workCtx, cancel := context.WithCancel(ctx)
		_, err := s.gate.Execute(workCtx, s.request("cancelled@example.com"), func(ctx context.Context) (*models.AnalysisResult, error) {
			cancel()
			return nil, ctx.Err()
		})
		s.ErrorIs(err, context.Canceled)

		records, err := s.usage.Query(ctx, "clinic-1", s.clock.Now().Add(-time.Hour), s.clock.Now().Add(time.Hour))
		s.Require().NoError(err)
		s.NotEmpty(records)
		s.False(records[len(records)-1].Successful)
	})

	s.Run("cancellation before work skips it entirely", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		invoked := false
		_, err := s.gate.Execute(cancelled, s.request("early@example.com"), func(context.Context) (*models.AnalysisResult, error) {
			invoked = true
			return nil, nil
		})
		s.ErrorIs(err, context.Canceled)
		s.False(invoked)
	})
}

// =============================================================================
// Validation Tests
// =============================================================================

func (s *GateSuite) TestValidation() {
	ctx := context.Background()

	s.Run("missing tenant id is rejected", func() {
		_, err := s.gate.Execute(ctx, Request{Operation: models.OperationStandard}, okWork(1))
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
	})

	s.Run("invalid operation type is rejected", func() {
		_, err := s.gate.Execute(ctx, Request{TenantID: "clinic-1", Operation: "mega"}, okWork(1))
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
	})

	s.Run("nil unit of work is rejected", func() {
		_, err := s.gate.Execute(ctx, s.request("x@example.com"), nil)
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
	})
}
