package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertType identifies the condition class an alert was raised for.
type AlertType string

const (
	AlertQuotaCritical AlertType = "quota_critical"
	AlertQuotaDepleted AlertType = "quota_depleted"
	AlertBurnRateHigh  AlertType = "burn_rate_high"
)

// AlertSeverity ranks alerts for dispatch ordering.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
	AlertUrgent   AlertSeverity = "urgent"
)

// Rank orders severities; higher is more severe.
func (s AlertSeverity) Rank() int {
	switch s {
	case AlertUrgent:
		return 3
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	}
	return 0
}

// AlertDetails carries the numbers an operator needs to act on an alert.
type AlertDetails struct {
	CurrentUsage           decimal.Decimal  `json:"current_usage"`
	MonthlyLimit           int64            `json:"monthly_limit"`
	UtilizationRate        float64          `json:"utilization_rate"`
	EstimatedDepletionDate *time.Time       `json:"estimated_depletion_date,omitempty"`
	RecommendedAction      string           `json:"recommended_action"`
	EstimatedCost          *decimal.Decimal `json:"estimated_cost,omitempty"`
}

// Alert is created by the dispatcher on a threshold crossing and mutated only
// by explicit operator action; never auto-deleted.
type Alert struct {
	ID           uuid.UUID     `json:"id"`
	Type         AlertType     `json:"type"`
	Severity     AlertSeverity `json:"severity"`
	TenantID     string        `json:"tenant_id"`
	TenantName   string        `json:"tenant_name,omitempty"`
	Message      string        `json:"message"`
	Details      AlertDetails  `json:"details"`
	CreatedAt    time.Time     `json:"created_at"`
	Acknowledged bool          `json:"acknowledged"`
	ActionTaken  bool          `json:"action_taken"`
}

// Active reports whether the alert still wants operator attention.
func (a *Alert) Active() bool {
	return !a.Acknowledged && !a.ActionTaken
}
