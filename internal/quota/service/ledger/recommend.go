package ledger

import (
	"context"
	"fmt"

	"scanmeter/internal/quota/cache"
	"scanmeter/internal/quota/models"
	dErrors "scanmeter/pkg/domain-errors"
)

// Utilization bands for plan recommendations. Under the low band the tenant
// pays for allowance it never uses; over the high band it is heading into
// overage pricing.
const (
	lowUtilizationPercent  = 40
	highUtilizationPercent = 80

	// Downgrade targets must still cover current usage with headroom.
	downgradeHeadroom = 1.2
)

// Recommend suggests a plan change for the tenant based on this period's
// utilization and accrued overage.
func (s *Service) Recommend(ctx context.Context, tenantID string) (*Recommendation, error) {
	if tenantID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	return s.recCache.GetOrLoad(ctx, cache.Key("recommendation", tenantID), func(ctx context.Context) (*Recommendation, error) {
		cfg, err := s.GetConfig(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		current, found := models.FindPlan(s.cfg.Plans, cfg.PlanID)
		if !found {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "plan %q not in catalog", cfg.PlanID)
		}

		rec := &Recommendation{
			TenantID:        tenantID,
			CurrentPlan:     current.ID,
			RecommendedPlan: current.ID,
			Reason:          "current plan fits this period's usage",
			UtilizationRate: cfg.UtilizationRate(),
		}

		switch {
		case cfg.Unlimited():
			rec.Reason = "unlimited plan, nothing to optimize"

		case cfg.UtilizationRate() > highUtilizationPercent || cfg.OverageAccrued.IsPositive():
			if upgrade, ok := nextLargerPlan(s.cfg.Plans, current); ok {
				rec.RecommendedPlan = upgrade.ID
				rec.MonthlyDelta = upgrade.MonthlyPrice.Sub(current.MonthlyPrice)
				rec.Reason = fmt.Sprintf("%.1f%% of the allowance used", cfg.UtilizationRate())
				if cfg.OverageAccrued.IsPositive() {
					rec.Reason += fmt.Sprintf(" with %s in overage charges", cfg.OverageAccrued.StringFixed(2))
				}
			} else {
				rec.Reason = "already on the largest plan; consider a scan top-up"
			}

		case cfg.UtilizationRate() < lowUtilizationPercent:
			if downgrade, ok := downgradePlan(s.cfg.Plans, current, cfg.CurrentUsage); ok {
				rec.RecommendedPlan = downgrade.ID
				rec.MonthlyDelta = downgrade.MonthlyPrice.Sub(current.MonthlyPrice)
				rec.Reason = fmt.Sprintf("only %.1f%% of the allowance used; %s covers current volume",
					cfg.UtilizationRate(), downgrade.Name)
			}
		}
		return rec, nil
	})
}

// nextLargerPlan returns the cheapest plan with a larger allowance.
func nextLargerPlan(plans []models.Plan, current models.Plan) (models.Plan, bool) {
	var best models.Plan
	found := false
	for _, p := range plans {
		if p.MonthlyQuota <= current.MonthlyQuota {
			continue
		}
		if !found || p.MonthlyQuota < best.MonthlyQuota {
			best = p
			found = true
		}
	}
	return best, found
}

// downgradePlan returns the cheapest smaller plan whose allowance still covers
// current usage with headroom.
func downgradePlan(plans []models.Plan, current models.Plan, usedMilli int64) (models.Plan, bool) {
	neededMilli := int64(float64(usedMilli) * downgradeHeadroom)
	var best models.Plan
	found := false
	for _, p := range plans {
		if p.MonthlyQuota >= current.MonthlyQuota {
			continue
		}
		if p.MonthlyQuota*models.UnitScale < neededMilli {
			continue
		}
		if !found || p.MonthlyPrice.LessThan(best.MonthlyPrice) {
			best = p
			found = true
		}
	}
	return best, found
}
