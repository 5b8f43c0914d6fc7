package models

import "github.com/shopspring/decimal"

// Plan describes one row of the subscription catalog. Prices are THB;
// ScanPrice is the per-scan overage rate once the allowance is spent.
type Plan struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	MonthlyQuota int64           `json:"monthly_quota" yaml:"monthly_quota"`
	MonthlyPrice decimal.Decimal `json:"monthly_price" yaml:"monthly_price"`
	ScanPrice    decimal.Decimal `json:"scan_price" yaml:"scan_price"`
	Features     []string        `json:"features" yaml:"features"`
	Description  string          `json:"description" yaml:"description"`
	Recommended  bool            `json:"recommended,omitempty" yaml:"recommended,omitempty"`
}

// FeatureFlags converts the catalog feature list into a quota config flag set.
func (p Plan) FeatureFlags() map[string]bool {
	flags := make(map[string]bool, len(p.Features))
	for _, f := range p.Features {
		flags[f] = true
	}
	return flags
}

// DefaultPlans is the built-in catalog; deployments can replace it via the
// quota config file.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:           "basic",
			Name:         "Basic Plan",
			MonthlyQuota: 50,
			MonthlyPrice: decimal.NewFromInt(2500),
			ScanPrice:    decimal.NewFromInt(75),
			Features:     []string{FlagProposalGeneration},
			Description:  "Small clinics, core analysis only",
		},
		{
			ID:           "professional",
			Name:         "Professional Plan",
			MonthlyQuota: 200,
			MonthlyPrice: decimal.NewFromInt(8500),
			ScanPrice:    decimal.NewFromInt(60),
			Features:     []string{FlagAdvancedAnalysis, FlagProposalGeneration, FlagLeadScoring},
			Description:  "Mid-size clinics, full AI feature set",
			Recommended:  true,
		},
		{
			ID:           "premium",
			Name:         "Premium Plan",
			MonthlyQuota: 500,
			MonthlyPrice: decimal.NewFromInt(18000),
			ScanPrice:    decimal.NewFromInt(45),
			Features:     []string{FlagAdvancedAnalysis, FlagProposalGeneration, FlagLeadScoring, FlagRealtimeSupport},
			Description:  "Large clinics, premium features",
		},
		{
			ID:           "enterprise",
			Name:         "Enterprise Plan",
			MonthlyQuota: 1000,
			MonthlyPrice: decimal.NewFromInt(35000),
			ScanPrice:    decimal.NewFromInt(35),
			Features:     []string{FlagAdvancedAnalysis, FlagProposalGeneration, FlagLeadScoring, FlagRealtimeSupport},
			Description:  "Clinic networks, VIP service",
		},
	}
}

// FindPlan looks a plan up by ID in a catalog.
func FindPlan(plans []Plan, id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
