package monitoring

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"scanmeter/internal/platform/clock"
)

// =============================================================================
// Metrics Export Test Suite
// =============================================================================

type ExportSuite struct {
	suite.Suite
	clock    *clock.Fixed
	recorder *Recorder
}

func TestExportSuite(t *testing.T) {
	suite.Run(t, new(ExportSuite))
}

func (s *ExportSuite) SetupTest() {
	s.clock = clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s.recorder = New(WithClock(s.clock))
}

func (s *ExportSuite) TestExportMetrics() {
	s.Run("renders prefixed lines with sorted labels", func() {
		s.recorder.RecordPerformance("analyze", 250*time.Millisecond, "clinic-1", true)

		out := s.recorder.ExportMetrics()
		s.Contains(out, `scanmeter_quota_response_time{operation="analyze",success="true",tenant_id="clinic-1"} 250 `)
		s.True(strings.HasSuffix(out, "\n"))
	})

	s.Run("empty recorder exports nothing", func() {
		s.Empty(New(WithClock(s.clock)).ExportMetrics())
	})
}

func (s *ExportSuite) TestParseMetrics() {
	s.Run("round-trips exported samples", func() {
		s.recorder.RecordPerformance("analyze", 250*time.Millisecond, "clinic-1", true)
		s.recorder.RecordQuotaUsage("clinic-2", 150_000, 200_000, nil)
		s.recorder.RecordCacheAccess(true, 3)

		exported := s.recorder.ExportMetrics()
		parsed, err := ParseMetrics(exported)
		s.Require().NoError(err)

		original := s.recorder.Samples()
		s.Require().Len(parsed, len(original))
		for i, m := range parsed {
			s.Equal(original[i].Metric, m.Metric)
			s.Equal(original[i].Value, m.Value)
			s.Equal(original[i].TenantID, m.TenantID)
			s.Equal(original[i].Timestamp.UnixMilli(), m.Timestamp.UnixMilli())
			for k, v := range original[i].Tags {
				s.Equal(v, m.Tags[k])
			}
		}
	})

	s.Run("skips blanks and comments", func() {
		parsed, err := ParseMetrics("\n# comment\nscanmeter_quota_usage_percent 42.5 1767000000000\n")
		s.Require().NoError(err)
		s.Require().Len(parsed, 1)
		s.Equal("usage_percent", parsed[0].Metric)
		s.Equal(42.5, parsed[0].Value)
		s.Empty(parsed[0].TenantID)
	})

	s.Run("rejects foreign prefixes", func() {
		_, err := ParseMetrics("other_metric 1 1767000000000")
		s.Error(err)
	})

	s.Run("rejects malformed values", func() {
		_, err := ParseMetrics(`scanmeter_quota_usage_percent{tenant_id="x"} abc 1767000000000`)
		s.Error(err)
	})
}
