package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"scanmeter/internal/quota/models"
	dErrors "scanmeter/pkg/domain-errors"
)

// Schema is the DDL for the tenant quota table. Applied by the operator (or
// the integration suite); the store itself assumes the table exists.
const Schema = `
CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id       TEXT PRIMARY KEY,
	plan_id         TEXT NOT NULL,
	pending_plan_id TEXT,
	monthly_limit   BIGINT NOT NULL DEFAULT 0,
	current_usage   BIGINT NOT NULL DEFAULT 0 CHECK (current_usage >= 0),
	overage_accrued NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (overage_accrued >= 0),
	overage_rate    NUMERIC(10,2) NOT NULL DEFAULT 0,
	reset_date      TIMESTAMPTZ NOT NULL,
	feature_flags   JSONB NOT NULL DEFAULT '{}',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore persists quota configs in PostgreSQL. This store is pure I/O;
// plan selection and availability policy belong in the ledger service. Usage
// increments are single atomic statements so concurrent recordings for one
// tenant never lose updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed tenant store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const quotaColumns = `tenant_id, plan_id, COALESCE(pending_plan_id, ''), monthly_limit,
	current_usage, overage_accrued, overage_rate, reset_date, feature_flags`

func (s *PostgresStore) Load(ctx context.Context, tenantID string) (*models.QuotaConfig, error) {
	query := `SELECT ` + quotaColumns + ` FROM tenant_quotas WHERE tenant_id = $1`
	cfg, err := scanQuotaConfig(s.db.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load quota config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) Save(ctx context.Context, cfg *models.QuotaConfig) error {
	if cfg == nil || cfg.TenantID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "quota config with tenant_id is required")
	}
	flags, err := json.Marshal(cfg.FeatureFlags)
	if err != nil {
		return fmt.Errorf("marshal feature flags: %w", err)
	}
	query := `
		INSERT INTO tenant_quotas (tenant_id, plan_id, pending_plan_id, monthly_limit,
			current_usage, overage_accrued, overage_rate, reset_date, feature_flags, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			pending_plan_id = EXCLUDED.pending_plan_id,
			monthly_limit = EXCLUDED.monthly_limit,
			current_usage = EXCLUDED.current_usage,
			overage_accrued = EXCLUDED.overage_accrued,
			overage_rate = EXCLUDED.overage_rate,
			reset_date = EXCLUDED.reset_date,
			feature_flags = EXCLUDED.feature_flags,
			updated_at = NOW()
	`
	_, err = s.db.ExecContext(ctx, query,
		cfg.TenantID, cfg.PlanID, cfg.PendingPlanID, cfg.MonthlyLimit,
		cfg.CurrentUsage, cfg.OverageAccrued, cfg.OverageRate, cfg.ResetDate, flags,
	)
	if err != nil {
		return fmt.Errorf("save quota config: %w", err)
	}
	return nil
}

// IncrementUsage adds the operation weight and accrues overage for the
// over-limit portion in one atomic UPDATE ... RETURNING round-trip. The old
// column values on the right-hand side make the overage math race-free.
func (s *PostgresStore) IncrementUsage(ctx context.Context, tenantID string, weightMilli int64, overageRate decimal.Decimal) (*models.QuotaConfig, error) {
	query := `
		UPDATE tenant_quotas
		SET current_usage = current_usage + $2,
			overage_accrued = overage_accrued +
				CASE WHEN monthly_limit > 0 AND current_usage + $2 > monthly_limit
					THEN LEAST($2, current_usage + $2 - monthly_limit)::numeric * $3 / 1000
					ELSE 0
				END,
			updated_at = NOW()
		WHERE tenant_id = $1
		RETURNING ` + quotaColumns
	cfg, err := scanQuotaConfig(s.db.QueryRowContext(ctx, query, tenantID, weightMilli, overageRate))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
		}
		return nil, fmt.Errorf("increment usage: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) SchedulePlanChange(ctx context.Context, tenantID, planID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_quotas SET pending_plan_id = $2, updated_at = NOW() WHERE tenant_id = $1`,
		tenantID, planID,
	)
	if err != nil {
		return fmt.Errorf("schedule plan change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
	}
	return nil
}

func (s *PostgresStore) ResetPeriod(ctx context.Context, tenantID string, nextReset time.Time, pendingPlan *models.Plan) (*models.QuotaConfig, error) {
	var (
		cfg *models.QuotaConfig
		err error
	)
	if pendingPlan != nil {
		flags, mErr := json.Marshal(pendingPlan.FeatureFlags())
		if mErr != nil {
			return nil, fmt.Errorf("marshal feature flags: %w", mErr)
		}
		query := `
			UPDATE tenant_quotas
			SET current_usage = 0, overage_accrued = 0, reset_date = $2,
				plan_id = $3, pending_plan_id = NULL,
				monthly_limit = $4, overage_rate = $5, feature_flags = $6,
				updated_at = NOW()
			WHERE tenant_id = $1
			RETURNING ` + quotaColumns
		cfg, err = scanQuotaConfig(s.db.QueryRowContext(ctx, query, tenantID, nextReset,
			pendingPlan.ID, pendingPlan.MonthlyQuota*models.UnitScale, pendingPlan.ScanPrice, flags))
	} else {
		query := `
			UPDATE tenant_quotas
			SET current_usage = 0, overage_accrued = 0, reset_date = $2, updated_at = NOW()
			WHERE tenant_id = $1
			RETURNING ` + quotaColumns
		cfg, err = scanQuotaConfig(s.db.QueryRowContext(ctx, query, tenantID, nextReset))
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no quota config for tenant %s", tenantID)
		}
		return nil, fmt.Errorf("reset period: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.QuotaConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+quotaColumns+` FROM tenant_quotas ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list quota configs: %w", err)
	}
	defer rows.Close()

	var out []*models.QuotaConfig
	for rows.Next() {
		cfg, err := scanQuotaConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("list quota configs: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuotaConfig(row rowScanner) (*models.QuotaConfig, error) {
	var (
		cfg   models.QuotaConfig
		flags []byte
	)
	err := row.Scan(&cfg.TenantID, &cfg.PlanID, &cfg.PendingPlanID, &cfg.MonthlyLimit,
		&cfg.CurrentUsage, &cfg.OverageAccrued, &cfg.OverageRate, &cfg.ResetDate, &flags)
	if err != nil {
		return nil, err
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &cfg.FeatureFlags); err != nil {
			return nil, fmt.Errorf("unmarshal feature flags: %w", err)
		}
	}
	return &cfg, nil
}
