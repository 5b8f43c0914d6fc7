package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	dErrors "scanmeter/pkg/domain-errors"
)

// UnitScale converts between whole scan units and the integer milliunits the
// stores count in. Fractional operation weights (a light scan consumes 0.2
// units) stay exact under atomic integer increments.
const UnitScale = 1000

// OperationType categorizes billable analysis operations by depth.
type OperationType string

const (
	OperationLight    OperationType = "light"
	OperationStandard OperationType = "standard"
	OperationPremium  OperationType = "premium"
)

// IsValid checks if the operation type is one of the supported enum values.
func (t OperationType) IsValid() bool {
	switch t {
	case OperationLight, OperationStandard, OperationPremium:
		return true
	}
	return false
}

// WeightMilli returns the quota consumption of one operation in milliunits.
func (t OperationType) WeightMilli() int64 {
	switch t {
	case OperationLight:
		return 200
	case OperationPremium:
		return 1500
	default:
		return 1000
	}
}

// Weight returns the quota consumption in whole units.
func (t OperationType) Weight() decimal.Decimal {
	return decimal.New(t.WeightMilli(), -3)
}

// Feature flags carried on a tenant's quota configuration.
const (
	FlagUnlimited          = "unlimited"
	FlagNoOverage          = "no_overage"
	FlagAdvancedAnalysis   = "advanced_analysis"
	FlagProposalGeneration = "proposal_generation"
	FlagLeadScoring        = "lead_scoring"
	FlagRealtimeSupport    = "realtime_support"
)

// QuotaConfig is the per-tenant source of truth for allowance and usage.
// CurrentUsage and MonthlyLimit are milliunits; only the Usage Ledger mutates
// CurrentUsage, every other component sees a read-only projection.
type QuotaConfig struct {
	TenantID       string          `json:"tenant_id"`
	PlanID         string          `json:"plan_id"`
	PendingPlanID  string          `json:"pending_plan_id,omitempty"`
	MonthlyLimit   int64           `json:"monthly_limit"`
	CurrentUsage   int64           `json:"current_usage"`
	ResetDate      time.Time       `json:"reset_date"`
	OverageAccrued decimal.Decimal `json:"overage_accrued"`
	OverageRate    decimal.Decimal `json:"overage_rate"`
	FeatureFlags   map[string]bool `json:"feature_flags,omitempty"`
}

// NewQuotaConfig creates a QuotaConfig for a plan with domain invariant validation.
func NewQuotaConfig(tenantID string, plan Plan, now time.Time) (*QuotaConfig, error) {
	if tenantID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant_id cannot be empty")
	}
	if plan.MonthlyQuota < 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "monthly quota cannot be negative")
	}
	return &QuotaConfig{
		TenantID:       tenantID,
		PlanID:         plan.ID,
		MonthlyLimit:   plan.MonthlyQuota * UnitScale,
		CurrentUsage:   0,
		ResetDate:      NextMonthReset(now),
		OverageAccrued: decimal.Zero,
		OverageRate:    plan.ScanPrice,
		FeatureFlags:   plan.FeatureFlags(),
	}, nil
}

// NextMonthReset returns the first instant of the month after now.
func NextMonthReset(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}

// RemainingMilli returns the unconsumed allowance, clamped at zero.
func (q *QuotaConfig) RemainingMilli() int64 {
	if r := q.MonthlyLimit - q.CurrentUsage; r > 0 {
		return r
	}
	return 0
}

// RemainingUnits returns whole remaining scan units (floored).
func (q *QuotaConfig) RemainingUnits() int {
	return int(q.RemainingMilli() / UnitScale)
}

// UsedUnits returns consumed allowance in scan units for display.
func (q *QuotaConfig) UsedUnits() decimal.Decimal {
	return decimal.New(q.CurrentUsage, -3)
}

// IsOverLimit reports whether usage has met or exceeded the allowance.
func (q *QuotaConfig) IsOverLimit() bool {
	return q.CurrentUsage >= q.MonthlyLimit
}

// Unlimited reports whether a zero limit is an intentional unlimited plan
// rather than a configuration error.
func (q *QuotaConfig) Unlimited() bool {
	return q.MonthlyLimit == 0 && q.FeatureFlags[FlagUnlimited]
}

// OverageDisabled reports whether the plan forbids billing past the allowance.
func (q *QuotaConfig) OverageDisabled() bool {
	return q.FeatureFlags[FlagNoOverage]
}

// UtilizationRate returns usage as a percentage of the allowance, rounded to
// one decimal. Zero-limit configs report 0.
func (q *QuotaConfig) UtilizationRate() float64 {
	if q.MonthlyLimit == 0 {
		return 0
	}
	return UtilizationRate(q.CurrentUsage, q.MonthlyLimit)
}

// UtilizationRate computes used/limit*100 rounded to one decimal.
func UtilizationRate(usedMilli, limitMilli int64) float64 {
	if limitMilli == 0 {
		return 0
	}
	return math.Round(float64(usedMilli)/float64(limitMilli)*1000) / 10
}

// UsageRecord is one append-only row per operation attempt. Immutable once
// written; retention is an external concern.
type UsageRecord struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      string          `json:"tenant_id"`
	UserID        string          `json:"user_id"`
	OperationType OperationType   `json:"operation_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Cost          decimal.Decimal `json:"cost"`
	Successful    bool            `json:"successful"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// NewUsageRecord creates a UsageRecord with domain invariant validation.
func NewUsageRecord(tenantID, userID string, opType OperationType, cost decimal.Decimal, successful bool, metadata map[string]any, now time.Time) (*UsageRecord, error) {
	if tenantID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant_id cannot be empty")
	}
	if !opType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid operation type")
	}
	if cost.IsNegative() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "cost cannot be negative")
	}
	return &UsageRecord{
		ID:            uuid.New(),
		TenantID:      tenantID,
		UserID:        userID,
		OperationType: opType,
		Timestamp:     now,
		Cost:          cost,
		Successful:    successful,
		Metadata:      metadata,
	}, nil
}

// SubjectScanRecord is the deduplication unit for one scanned subject. The
// fingerprint is a one-way hash; raw identity attributes are never stored
// beyond what the key needs.
type SubjectScanRecord struct {
	SubjectKey      string    `json:"subject_key"`
	TenantID        string    `json:"tenant_id"`
	Fingerprint     string    `json:"fingerprint"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	OccurrenceCount int       `json:"occurrence_count"`
	Score           float64   `json:"score,omitempty"`
	Summary         string    `json:"summary,omitempty"`
}

// ResultSummary is the non-sensitive slice of an analysis outcome kept for
// repeat-subject responses.
type ResultSummary struct {
	Score   float64 `json:"score"`
	Summary string  `json:"summary"`
}

// DedupResult reports whether a subject was seen inside the dedup window.
type DedupResult struct {
	IsHit    bool               `json:"is_hit"`
	Previous *SubjectScanRecord `json:"previous,omitempty"`
	Elapsed  time.Duration      `json:"elapsed,omitempty"`
	Reason   string             `json:"reason"`
}

// CachedAnalysis is a best-effort reconstruction of a prior result for a
// repeat subject. Serving it performs no quota deduction.
type CachedAnalysis struct {
	Score     float64       `json:"score"`
	Summary   string        `json:"summary"`
	FromCache bool          `json:"from_cache"`
	LastScan  time.Time     `json:"last_scan"`
	ScanCount int           `json:"scan_count"`
	Elapsed   time.Duration `json:"elapsed"`
}

// AnalysisResult is what a unit of billable work produces.
type AnalysisResult struct {
	Score     float64        `json:"score"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
	FromCache bool           `json:"from_cache"`
}

// EventCategory classifies monitoring events.
type EventCategory string

const (
	CategoryUsage       EventCategory = "usage"
	CategoryPerformance EventCategory = "performance"
	CategoryError       EventCategory = "error"
	CategoryCache       EventCategory = "cache"
	CategoryBilling     EventCategory = "billing"
)

// Severity orders monitoring events and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// MonitoringEvent is observability data, not business state; recorders keep a
// bounded ring of them.
type MonitoringEvent struct {
	ID        uuid.UUID      `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  EventCategory  `json:"category"`
	Severity  Severity       `json:"severity"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PerformanceMetric is one observed sample with free-form tags.
type PerformanceMetric struct {
	Timestamp time.Time         `json:"timestamp"`
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// AlertThreshold is one row of the telemetry rule table. BelowThreshold flips
// the comparison for metrics where low is bad (hit rates).
type AlertThreshold struct {
	Metric         string   `json:"metric"`
	Threshold      float64  `json:"threshold"`
	Severity       Severity `json:"severity"`
	BelowThreshold bool     `json:"below_threshold"`
	Enabled        bool     `json:"enabled"`
}

// Breached evaluates the rule against a sample.
func (t AlertThreshold) Breached(value float64) bool {
	if !t.Enabled {
		return false
	}
	if t.BelowThreshold {
		return value < t.Threshold
	}
	return value > t.Threshold
}
