package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"scanmeter/internal/quota/models"
	dErrors "scanmeter/pkg/domain-errors"
)

// Schema is the DDL for the usage event log. The table is append-only from
// this subsystem's point of view; retention and archival are external.
const Schema = `
CREATE TABLE IF NOT EXISTS ai_usage_logs (
	id             UUID PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	user_id        TEXT NOT NULL DEFAULT '',
	operation_type TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	cost           NUMERIC(10,2) NOT NULL DEFAULT 0,
	successful     BOOLEAN NOT NULL,
	metadata       JSONB
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_logs_tenant_time ON ai_usage_logs (tenant_id, created_at)`

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, record *models.UsageRecord) error {
	if record == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "usage record is required")
	}
	var metadata []byte
	if record.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(record.Metadata); err != nil {
			return fmt.Errorf("marshal usage metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_usage_logs (id, tenant_id, user_id, operation_type, created_at, cost, successful, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.TenantID, record.UserID, string(record.OperationType),
		record.Timestamp, record.Cost, record.Successful, metadata,
	)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, tenantID string, from, to time.Time) ([]*models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, operation_type, created_at, cost, successful, metadata
		FROM ai_usage_logs
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []*models.UsageRecord
	for rows.Next() {
		var (
			r        models.UsageRecord
			opType   string
			metadata []byte
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.UserID, &opType, &r.Timestamp, &r.Cost, &r.Successful, &metadata); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.OperationType = models.OperationType(opType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal usage metadata: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
