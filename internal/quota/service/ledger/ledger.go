// Package ledger implements the usage ledger: the single authority over
// tenant quota state. All billable consumption, plan changes, and period
// resets flow through it; read paths are fronted by advisory TTL caches.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/cache"
	"scanmeter/internal/quota/config"
	"scanmeter/internal/quota/metrics"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/ports"
	dErrors "scanmeter/pkg/domain-errors"
)

// fallbackPlanID is used when a tenant's stored config cannot be read. Scans
// keep flowing on the recommended plan's terms; reconciliation happens when
// the store recovers.
const fallbackPlanID = "professional"

// Availability is the result of a pre-flight quota check. EstimatedCost is
// the tenant's per-scan overage rate, set once the allowance is exhausted.
type Availability struct {
	CanProceed       bool            `json:"can_proceed"`
	RemainingUnits   int             `json:"remaining_units"`
	WillIncurOverage bool            `json:"will_incur_overage"`
	UtilizationRate  float64         `json:"utilization_rate"`
	EstimatedCost    decimal.Decimal `json:"estimated_cost"`
	Reason           string          `json:"reason,omitempty"`

	Config *models.QuotaConfig `json:"config,omitempty"`
}

// Recommendation suggests a plan change based on observed utilization.
type Recommendation struct {
	TenantID        string          `json:"tenant_id"`
	CurrentPlan     string          `json:"current_plan"`
	RecommendedPlan string          `json:"recommended_plan"`
	Reason          string          `json:"reason"`
	MonthlyDelta    decimal.Decimal `json:"monthly_delta"`
	UtilizationRate float64         `json:"utilization_rate"`
}

// UsageStats aggregates the usage log over a reporting period.
type UsageStats struct {
	TenantID        string                       `json:"tenant_id"`
	Period          string                       `json:"period"`
	From            time.Time                    `json:"from"`
	To              time.Time                    `json:"to"`
	TotalScans      int                          `json:"total_scans"`
	Successful      int                          `json:"successful"`
	Failed          int                          `json:"failed"`
	TotalCost       decimal.Decimal              `json:"total_cost"`
	ByType          map[models.OperationType]int `json:"by_type"`
	MostUsedType    models.OperationType         `json:"most_used_type,omitempty"`
	PeakDay         string                       `json:"peak_day,omitempty"`
	UtilizationRate float64                      `json:"utilization_rate"`
}

// Service is the usage ledger.
type Service struct {
	tenants ports.TenantStore
	usage   ports.UsageStore
	cfg     *config.Config

	configCache *cache.TTLCache[*models.QuotaConfig]
	statsCache  *cache.TTLCache[*UsageStats]
	recCache    *cache.TTLCache[*Recommendation]

	clock     clock.Clock
	logger    *slog.Logger
	telemetry ports.TelemetrySink
	metrics   *metrics.Metrics
}

// Option configures optional Service dependencies.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

func WithTelemetry(sink ports.TelemetrySink) Option {
	return func(s *Service) { s.telemetry = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs the ledger service.
func New(tenants ports.TenantStore, usage ports.UsageStore, cfg *config.Config, opts ...Option) (*Service, error) {
	if tenants == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant store is required")
	}
	if usage == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "usage store is required")
	}
	if cfg == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "quota config is required")
	}
	s := &Service{
		tenants:   tenants,
		usage:     usage,
		cfg:       cfg,
		clock:     clock.System{},
		logger:    slog.Default(),
		telemetry: ports.NopTelemetry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.configCache = cache.NewTTL[*models.QuotaConfig](cfg.ConfigTTL, s.clock, s.telemetry)
	s.statsCache = cache.NewTTL[*UsageStats](cfg.StatsTTL, s.clock, s.telemetry)
	s.recCache = cache.NewTTL[*Recommendation](cfg.RecommendationTTL, s.clock, s.telemetry)
	return s, nil
}

// Caches exposes the ledger's read caches for background sweeping.
func (s *Service) Caches() []cache.Sweepable {
	return []cache.Sweepable{s.configCache, s.statsCache, s.recCache}
}

// Provision creates a tenant's quota config from a catalog plan.
func (s *Service) Provision(ctx context.Context, tenantID, planID string) (*models.QuotaConfig, error) {
	plan, found := models.FindPlan(s.cfg.Plans, planID)
	if !found {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown plan %q", planID)
	}
	cfg, err := models.NewQuotaConfig(tenantID, plan, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.tenants.Save(ctx, cfg); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "save quota config")
	}
	s.invalidate(tenantID)
	ports.LogAudit(ctx, s.logger, "tenant_provisioned",
		"tenant_id", tenantID, "plan_id", planID)
	return cfg, nil
}

// GetConfig returns a tenant's quota config through the read cache. A store
// failure degrades to the fallback plan config so scans keep flowing; an
// unknown tenant is not_found.
func (s *Service) GetConfig(ctx context.Context, tenantID string) (*models.QuotaConfig, error) {
	if tenantID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	cfg, err := s.configCache.GetOrLoad(ctx, cache.Key("config", tenantID), func(ctx context.Context) (*models.QuotaConfig, error) {
		loaded, err := s.tenants.Load(ctx, tenantID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "load quota config")
		}
		if loaded == nil {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
		}
		return loaded, nil
	})
	if err == nil {
		return cfg, nil
	}
	if dErrors.Is(err, dErrors.CodeNotFound) {
		return nil, err
	}

	// Store outage: serve the fallback config, uncached, and leave a trail.
	s.logger.ErrorContext(ctx, "quota config unavailable, serving fallback",
		"tenant_id", tenantID, "error", err)
	s.telemetry.RecordError(err, tenantID)
	return s.fallbackConfig(tenantID), nil
}

// CheckAvailability runs the pre-flight quota check. It never mutates state.
func (s *Service) CheckAvailability(ctx context.Context, tenantID string) (*Availability, error) {
	cfg, err := s.GetConfig(ctx, tenantID)
	if err != nil {
		if !dErrors.Is(err, dErrors.CodeNotFound) {
			return nil, err
		}
		// Unknown tenant on a read path: check against the fallback plan.
		cfg = s.fallbackConfig(tenantID)
	}

	if cfg.MonthlyLimit == 0 {
		if cfg.Unlimited() {
			return &Availability{
				CanProceed:     true,
				RemainingUnits: int(^uint(0) >> 1),
				Reason:         "unlimited plan",
				Config:         cfg,
			}, nil
		}
		confErr := dErrors.Newf(dErrors.CodeInvariantViolation,
			"tenant %s has a zero monthly limit without the unlimited flag", tenantID)
		s.telemetry.RecordError(dErrors.Wrap(confErr, dErrors.CodeInternal, "quota configuration error"), tenantID)
		s.logger.ErrorContext(ctx, "quota configuration error", "tenant_id", tenantID)
		return &Availability{
			CanProceed: false,
			Reason:     "quota configuration error: zero monthly limit",
			Config:     cfg,
		}, nil
	}

	avail := &Availability{
		RemainingUnits:   cfg.RemainingUnits(),
		WillIncurOverage: cfg.RemainingMilli() <= 0,
		UtilizationRate:  cfg.UtilizationRate(),
		Config:           cfg,
	}
	if avail.WillIncurOverage {
		avail.EstimatedCost = cfg.OverageRate
	}
	switch {
	case !avail.WillIncurOverage:
		avail.CanProceed = true
		avail.Reason = "within monthly allowance"
	case cfg.OverageDisabled():
		avail.CanProceed = false
		avail.Reason = "monthly allowance exhausted and plan disallows overage"
	default:
		avail.CanProceed = true
		avail.Reason = fmt.Sprintf("allowance exhausted, overage at %s per scan", cfg.OverageRate.StringFixed(2))
	}
	return avail, nil
}

// RecordUsage appends a usage record and, for successful operations, applies
// the weighted deduction atomically. Returns the updated config and the
// appended record. Write failures propagate; usage is never silently dropped.
func (s *Service) RecordUsage(ctx context.Context, tenantID, userID string, opType models.OperationType, successful bool, metadata map[string]any) (*models.QuotaConfig, *models.UsageRecord, error) {
	if !opType.IsValid() {
		return nil, nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid operation type %q", opType)
	}

	cfg, err := s.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	cost := decimal.Zero
	if successful {
		updated, err := s.tenants.IncrementUsage(ctx, tenantID, opType.WeightMilli(), cfg.OverageRate)
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "increment usage")
		}
		cfg = updated
		if cfg.MonthlyLimit > 0 && cfg.CurrentUsage > cfg.MonthlyLimit {
			overMilli := cfg.CurrentUsage - cfg.MonthlyLimit
			if overMilli > opType.WeightMilli() {
				overMilli = opType.WeightMilli()
			}
			cost = cfg.OverageRate.Mul(decimal.New(overMilli, -3))
		}
	}

	record, err := models.NewUsageRecord(tenantID, userID, opType, cost, successful, metadata, s.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	if err := s.usage.Append(ctx, record); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "append usage record")
	}
	s.invalidate(tenantID)

	if s.metrics != nil {
		s.metrics.ScansRecorded.WithLabelValues(string(opType), boolLabel(successful)).Inc()
		if cost.IsPositive() {
			s.metrics.OverageScans.Inc()
		}
	}
	s.telemetry.RecordQuotaUsage(tenantID, cfg.CurrentUsage, cfg.MonthlyLimit, metadata)
	if cost.IsPositive() {
		s.telemetry.RecordBilling(tenantID, string(opType), cost, successful)
	}
	ports.LogAudit(ctx, s.logger, "usage_recorded",
		"tenant_id", tenantID,
		"operation_type", string(opType),
		"successful", successful,
		"cost", cost.StringFixed(2),
	)
	return cfg, record, nil
}

// UpdatePlan schedules a plan change effective at the next period reset and
// returns the effective date.
func (s *Service) UpdatePlan(ctx context.Context, tenantID, newPlanID string) (time.Time, error) {
	if _, found := models.FindPlan(s.cfg.Plans, newPlanID); !found {
		return time.Time{}, dErrors.Newf(dErrors.CodeInvalidInput, "unknown plan %q", newPlanID)
	}
	cfg, err := s.tenants.Load(ctx, tenantID)
	if err != nil {
		return time.Time{}, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "load quota config")
	}
	if cfg == nil {
		return time.Time{}, dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
	}
	if err := s.tenants.SchedulePlanChange(ctx, tenantID, newPlanID); err != nil {
		return time.Time{}, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "schedule plan change")
	}
	s.invalidate(tenantID)
	ports.LogAudit(ctx, s.logger, "plan_change_scheduled",
		"tenant_id", tenantID, "plan_id", newPlanID, "effective", cfg.ResetDate.Format(time.RFC3339))
	return cfg.ResetDate, nil
}

// ResetPeriod zeroes the tenant's usage for a new billing month and applies
// any pending plan change.
func (s *Service) ResetPeriod(ctx context.Context, tenantID string) (*models.QuotaConfig, error) {
	cfg, err := s.tenants.Load(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "load quota config")
	}
	if cfg == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
	}

	var pendingPlan *models.Plan
	if cfg.PendingPlanID != "" {
		if plan, found := models.FindPlan(s.cfg.Plans, cfg.PendingPlanID); found {
			pendingPlan = &plan
		} else {
			s.logger.WarnContext(ctx, "pending plan no longer in catalog, keeping current plan",
				"tenant_id", tenantID, "plan_id", cfg.PendingPlanID)
		}
	}

	updated, err := s.tenants.ResetPeriod(ctx, tenantID, models.NextMonthReset(s.clock.Now()), pendingPlan)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "reset quota period")
	}
	s.invalidate(tenantID)
	if s.metrics != nil {
		s.metrics.PeriodResetsTotal.Inc()
	}
	ports.LogAudit(ctx, s.logger, "quota_period_reset",
		"tenant_id", tenantID, "plan_id", updated.PlanID,
		"next_reset", updated.ResetDate.Format(time.RFC3339))
	return updated, nil
}

func (s *Service) invalidate(tenantID string) {
	s.configCache.InvalidateTenant(tenantID)
	s.statsCache.InvalidateTenant(tenantID)
	s.recCache.InvalidateTenant(tenantID)
}

// fallbackConfig is served when the store cannot answer. Usage shows as zero;
// the real counters are untouched and reconverge after recovery.
func (s *Service) fallbackConfig(tenantID string) *models.QuotaConfig {
	plan, found := models.FindPlan(s.cfg.Plans, fallbackPlanID)
	if !found && len(s.cfg.Plans) > 0 {
		plan = s.cfg.Plans[0]
	}
	cfg, err := models.NewQuotaConfig(tenantID, plan, s.clock.Now())
	if err != nil {
		// Only possible with an empty tenant ID, which callers validate.
		return &models.QuotaConfig{TenantID: tenantID}
	}
	return cfg
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
