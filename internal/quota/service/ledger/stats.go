package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"scanmeter/internal/quota/cache"
	"scanmeter/internal/quota/models"
	dErrors "scanmeter/pkg/domain-errors"
)

// Reporting periods accepted by Stats.
const (
	PeriodCurrent = "current"
	PeriodLast30  = "last30"
	PeriodLast90  = "last90"
)

// Stats aggregates the usage log for a tenant over a reporting period.
// Results are cached briefly; the log itself is the source of truth.
func (s *Service) Stats(ctx context.Context, tenantID, period string) (*UsageStats, error) {
	if tenantID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	from, to, err := s.periodBounds(period)
	if err != nil {
		return nil, err
	}

	return s.statsCache.GetOrLoad(ctx, cache.Key("stats", tenantID, period), func(ctx context.Context) (*UsageStats, error) {
		records, err := s.usage.Query(ctx, tenantID, from, to)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "query usage records")
		}

		stats := &UsageStats{
			TenantID: tenantID,
			Period:   period,
			From:     from,
			To:       to,
			ByType:   make(map[models.OperationType]int),
		}
		perDay := make(map[string]int)
		stats.TotalCost = decimal.Zero
		for _, r := range records {
			stats.TotalScans++
			if r.Successful {
				stats.Successful++
			} else {
				stats.Failed++
			}
			stats.TotalCost = stats.TotalCost.Add(r.Cost)
			stats.ByType[r.OperationType]++
			perDay[r.Timestamp.Format("2006-01-02")]++
		}

		best := 0
		for opType, count := range stats.ByType {
			if count > best || (count == best && string(opType) < string(stats.MostUsedType)) {
				best = count
				stats.MostUsedType = opType
			}
		}
		peak := 0
		for day, count := range perDay {
			if count > peak || (count == peak && day < stats.PeakDay) {
				peak = count
				stats.PeakDay = day
			}
		}

		if cfg, err := s.GetConfig(ctx, tenantID); err == nil {
			stats.UtilizationRate = cfg.UtilizationRate()
		}
		return stats, nil
	})
}

func (s *Service) periodBounds(period string) (time.Time, time.Time, error) {
	now := s.clock.Now()
	switch period {
	case PeriodCurrent, "":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return start, now, nil
	case PeriodLast30:
		return now.AddDate(0, 0, -30), now, nil
	case PeriodLast90:
		return now.AddDate(0, 0, -90), now, nil
	}
	return time.Time{}, time.Time{}, dErrors.Newf(dErrors.CodeInvalidInput, "unknown period %q", period)
}
