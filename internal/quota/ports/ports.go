// Package ports defines shared interfaces for the quota module.
// Interfaces are placed here when consumed by multiple services to avoid duplication.
package ports

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"scanmeter/internal/quota/models"
	"scanmeter/pkg/attrs"
)

// TenantStore is the Tenant Record Store: durable storage for quota
// configuration and usage counters. Increment semantics must be atomic per
// tenant so concurrent recordings never lose updates.
type TenantStore interface {
	// Load retrieves a tenant's quota config. Returns (nil, nil) when unknown.
	Load(ctx context.Context, tenantID string) (*models.QuotaConfig, error)

	// Save upserts a full quota config (provisioning, plan bootstrap).
	Save(ctx context.Context, cfg *models.QuotaConfig) error

	// IncrementUsage atomically adds weightMilli to current usage and accrues
	// overage at overageRate per unit for the over-limit portion, returning
	// the updated config.
	IncrementUsage(ctx context.Context, tenantID string, weightMilli int64, overageRate decimal.Decimal) (*models.QuotaConfig, error)

	// SchedulePlanChange records a plan switch effective at the next reset.
	SchedulePlanChange(ctx context.Context, tenantID, planID string) error

	// ResetPeriod zeroes usage, advances the reset date, and applies a pending
	// plan change if one is scheduled.
	ResetPeriod(ctx context.Context, tenantID string, nextReset time.Time, pendingPlan *models.Plan) (*models.QuotaConfig, error)

	// List returns every known quota config (burn-rate sweep, reset job).
	List(ctx context.Context) ([]*models.QuotaConfig, error)
}

// UsageStore is the Usage Event Store: a durable, queryable log of billable
// operations. Records are append-only.
type UsageStore interface {
	Append(ctx context.Context, record *models.UsageRecord) error
	Query(ctx context.Context, tenantID string, from, to time.Time) ([]*models.UsageRecord, error)
}

// DedupStore is the durable tier behind the in-memory dedup cache so the
// window survives process restarts.
type DedupStore interface {
	// Put stores a subject record with the dedup window as its lifetime.
	Put(ctx context.Context, record *models.SubjectScanRecord, ttl time.Duration) error

	// Get retrieves a subject record. Returns (nil, nil) on miss.
	Get(ctx context.Context, subjectKey string) (*models.SubjectScanRecord, error)

	// Delete removes an expired subject record.
	Delete(ctx context.Context, subjectKey string) error
}

// NotificationChannel delivers alerts; one implementation per channel.
// The dispatcher treats all channels uniformly and independently.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert) error
}

// TelemetrySink receives observations from the ledger, caches, and gate.
// Implemented by the monitoring recorder; a no-op sink keeps it optional.
type TelemetrySink interface {
	RecordQuotaUsage(tenantID string, usedMilli, limitMilli int64, metadata map[string]any)
	RecordPerformance(operation string, duration time.Duration, tenantID string, success bool)
	RecordCacheAccess(hit bool, size int)
	RecordError(err error, tenantID string)
	RecordBilling(tenantID, operation string, amount decimal.Decimal, success bool)
}

// AlertSink receives threshold breaches from the telemetry recorder.
type AlertSink interface {
	EvaluateQuota(ctx context.Context, tenantID, tenantName string, usedMilli, limitMilli int64) *models.Alert
	EvaluateBurnRate(ctx context.Context, tenantID, tenantName string, dailyBurnUnits decimal.Decimal, daysUntilDepletion int) *models.Alert
}

// NopTelemetry discards all observations.
type NopTelemetry struct{}

func (NopTelemetry) RecordQuotaUsage(string, int64, int64, map[string]any) {}
func (NopTelemetry) RecordPerformance(string, time.Duration, string, bool) {}
func (NopTelemetry) RecordCacheAccess(bool, int)                           {}
func (NopTelemetry) RecordError(error, string)                             {}
func (NopTelemetry) RecordBilling(string, string, decimal.Decimal, bool)   {}

// LogAudit is a shared helper for logging audit-style events across quota
// services. Billing-relevant mutations go through it so the log stream is
// greppable by event name.
func LogAudit(ctx context.Context, logger *slog.Logger, event string, attrList ...any) {
	if logger == nil {
		return
	}
	args := append(attrList, "event", event, "log_type", "audit")
	if tenant := attrs.ExtractString(attrList, "tenant_id"); tenant != "" {
		args = append(args, "subject", tenant)
	}
	logger.InfoContext(ctx, event, args...)
}
