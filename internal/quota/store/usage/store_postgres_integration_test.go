//go:build integration

package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/store/usage"
	"scanmeter/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *usage.PostgresStore
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.Require().NoError(s.postgres.Apply(context.Background(), usage.Schema))
	s.store = usage.NewPostgres(s.postgres.DB)
	s.now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.Truncate(context.Background(), "ai_usage_logs"))
}

func (s *PostgresStoreSuite) append(tenantID string, opType models.OperationType, at time.Time, cost int64, successful bool, metadata map[string]any) {
	record, err := models.NewUsageRecord(tenantID, "user-1", opType, decimal.NewFromInt(cost), successful, metadata, at)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Append(context.Background(), record))
}

// TestAppendAndQuery verifies the append-only log round-trips records with
// their metadata.
func (s *PostgresStoreSuite) TestAppendAndQuery() {
	ctx := context.Background()
	s.append("acme", models.OperationStandard, s.now, 0, true,
		map[string]any{"source": "mobile"})
	s.append("acme", models.OperationPremium, s.now.Add(time.Minute), 60, true, nil)
	s.append("other", models.OperationStandard, s.now, 0, true, nil)

	records, err := s.store.Query(ctx, "acme", s.now.Add(-time.Hour), s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(records, 2)

	s.Equal(models.OperationStandard, records[0].OperationType)
	s.Equal("mobile", records[0].Metadata["source"])
	s.Equal(models.OperationPremium, records[1].OperationType)
	s.True(records[1].Cost.Equal(decimal.NewFromInt(60)))
}

// TestQueryWindow verifies the time window bounds are inclusive.
func (s *PostgresStoreSuite) TestQueryWindow() {
	ctx := context.Background()
	s.append("acme", models.OperationStandard, s.now.Add(-48*time.Hour), 0, true, nil)
	s.append("acme", models.OperationStandard, s.now, 0, true, nil)
	s.append("acme", models.OperationStandard, s.now.Add(48*time.Hour), 0, true, nil)

	records, err := s.store.Query(ctx, "acme", s.now.Add(-time.Hour), s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.True(records[0].Timestamp.Equal(s.now))

	records, err = s.store.Query(ctx, "acme", s.now, s.now)
	s.Require().NoError(err)
	s.Len(records, 1)
}

// TestFailedOperationsKept verifies unsuccessful attempts stay in the log.
func (s *PostgresStoreSuite) TestFailedOperationsKept() {
	ctx := context.Background()
	s.append("acme", models.OperationStandard, s.now, 0, false, nil)

	records, err := s.store.Query(ctx, "acme", s.now.Add(-time.Hour), s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.False(records[0].Successful)
}
