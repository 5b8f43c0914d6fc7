package tenant

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scanmeter/internal/quota/models"
	dErrors "scanmeter/pkg/domain-errors"
)

// InMemoryStore implements the tenant record store with a mutex-guarded map.
// Increment math runs inside the lock, so per-tenant atomicity holds without
// durable-store support.
type InMemoryStore struct {
	mu     sync.RWMutex
	quotas map[string]*models.QuotaConfig
}

func New() *InMemoryStore {
	return &InMemoryStore{
		quotas: make(map[string]*models.QuotaConfig),
	}
}

func (s *InMemoryStore) Load(_ context.Context, tenantID string) (*models.QuotaConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cfg, exists := s.quotas[tenantID]; exists {
		return copyConfig(cfg), nil
	}
	return nil, nil
}

func (s *InMemoryStore) Save(_ context.Context, cfg *models.QuotaConfig) error {
	if cfg == nil || cfg.TenantID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "quota config with tenant_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[cfg.TenantID] = copyConfig(cfg)
	return nil
}

func (s *InMemoryStore) IncrementUsage(_ context.Context, tenantID string, weightMilli int64, overageRate decimal.Decimal) (*models.QuotaConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, exists := s.quotas[tenantID]
	if !exists {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
	}

	cfg.CurrentUsage += weightMilli
	if cfg.MonthlyLimit > 0 && cfg.CurrentUsage > cfg.MonthlyLimit {
		overMilli := cfg.CurrentUsage - cfg.MonthlyLimit
		if overMilli > weightMilli {
			overMilli = weightMilli
		}
		cfg.OverageAccrued = cfg.OverageAccrued.Add(overageRate.Mul(decimal.New(overMilli, -3)))
	}
	return copyConfig(cfg), nil
}

func (s *InMemoryStore) SchedulePlanChange(_ context.Context, tenantID, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, exists := s.quotas[tenantID]
	if !exists {
		return dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
	}
	cfg.PendingPlanID = planID
	return nil
}

func (s *InMemoryStore) ResetPeriod(_ context.Context, tenantID string, nextReset time.Time, pendingPlan *models.Plan) (*models.QuotaConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, exists := s.quotas[tenantID]
	if !exists {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
	}

	cfg.CurrentUsage = 0
	cfg.OverageAccrued = decimal.Zero
	cfg.ResetDate = nextReset
	if pendingPlan != nil {
		cfg.PlanID = pendingPlan.ID
		cfg.PendingPlanID = ""
		cfg.MonthlyLimit = pendingPlan.MonthlyQuota * models.UnitScale
		cfg.OverageRate = pendingPlan.ScanPrice
		cfg.FeatureFlags = pendingPlan.FeatureFlags()
	}
	return copyConfig(cfg), nil
}

func (s *InMemoryStore) List(_ context.Context) ([]*models.QuotaConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.QuotaConfig, 0, len(s.quotas))
	for _, cfg := range s.quotas {
		out = append(out, copyConfig(cfg))
	}
	return out, nil
}

// copyConfig keeps callers from mutating shared state through returned pointers.
func copyConfig(cfg *models.QuotaConfig) *models.QuotaConfig {
	dup := *cfg
	dup.FeatureFlags = maps.Clone(cfg.FeatureFlags)
	return &dup
}
