package monitoring

import (
	"fmt"
	"time"

	"scanmeter/internal/quota/models"
)

const (
	healthWindow = 5 * time.Minute

	// Verdict thresholds: responses slower than this, a hit rate colder than
	// this, or any tenant past this utilization degrade the verdict.
	slowHealthMs     = 1000
	coldHitRate      = 70
	nearLimitPercent = 80
)

// HealthStatus is the aggregate verdict over the recent telemetry window.
// Issues spells out every condition that contributed to a non-healthy status.
type HealthStatus struct {
	Status           string    `json:"status"`
	Issues           []string  `json:"issues"`
	CheckedAt        time.Time `json:"checked_at"`
	WindowMinutes    int       `json:"window_minutes"`
	CriticalEvents   int       `json:"critical_events"`
	WarningEvents    int       `json:"warning_events"`
	ErrorRate        float64   `json:"error_rate"`
	AvgResponseMs    float64   `json:"avg_response_ms"`
	CacheHitRate     float64   `json:"cache_hit_rate"`
	TenantsNearLimit int       `json:"tenants_near_limit"`
}

// DashboardData is the operator view over a configurable window.
type DashboardData struct {
	Window            time.Duration                `json:"window"`
	GeneratedAt       time.Time                    `json:"generated_at"`
	TotalEvents       int                          `json:"total_events"`
	EventsByCategory  map[models.EventCategory]int `json:"events_by_category"`
	EventsBySeverity  map[models.Severity]int      `json:"events_by_severity"`
	AvgResponseMs     float64                      `json:"avg_response_ms"`
	CacheHitRate      float64                      `json:"cache_hit_rate"`
	TenantUtilization map[string]float64           `json:"tenant_utilization"`
	SlowOperations    []*models.PerformanceMetric  `json:"slow_operations"`
	RecentEvents      []*models.MonitoringEvent    `json:"recent_events"`
}

// Health summarizes the last five minutes. Any critical event makes the
// verdict critical; slow responses, a cold cache, or tenants near their
// allowance degrade it to warning.
func (r *Recorder) Health() HealthStatus {
	now := r.clock.Now()
	cutoff := now.Add(-healthWindow)

	r.mu.RLock()
	events := r.events.items()
	samples := r.samples.items()
	nearLimit := 0
	for _, rate := range r.utilization {
		if rate > nearLimitPercent {
			nearLimit++
		}
	}
	r.mu.RUnlock()

	status := HealthStatus{
		Status:           "healthy",
		Issues:           []string{},
		CheckedAt:        now,
		WindowMinutes:    int(healthWindow.Minutes()),
		TenantsNearLimit: nearLimit,
	}

	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		switch e.Severity {
		case models.SeverityCritical:
			status.CriticalEvents++
		case models.SeverityWarning:
			status.WarningEvents++
		}
	}

	var (
		responseSum float64
		responses   int
		failures    int
		hitRateLast float64
		hitRateSeen bool
	)
	for _, m := range samples {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		switch m.Metric {
		case "response_time":
			responseSum += m.Value
			responses++
			if m.Tags["success"] == "false" {
				failures++
			}
		case "cache_hit_rate":
			hitRateLast = m.Value
			hitRateSeen = true
		}
	}
	if responses > 0 {
		status.AvgResponseMs = responseSum / float64(responses)
		status.ErrorRate = float64(failures) / float64(responses) * 100
	}
	if hitRateSeen {
		status.CacheHitRate = hitRateLast
	}

	if status.CriticalEvents > 0 {
		status.Status = "critical"
		status.Issues = append(status.Issues, fmt.Sprintf("%d critical events", status.CriticalEvents))
	}
	warn := func(issue string) {
		if status.Status == "healthy" {
			status.Status = "warning"
		}
		status.Issues = append(status.Issues, issue)
	}
	if status.AvgResponseMs > slowHealthMs {
		warn(fmt.Sprintf("high response time: %.0fms", status.AvgResponseMs))
	}
	if hitRateSeen && status.CacheHitRate < coldHitRate {
		warn(fmt.Sprintf("low cache hit rate: %.1f%%", status.CacheHitRate))
	}
	if nearLimit > 0 {
		warn(fmt.Sprintf("%d tenants near quota limit", nearLimit))
	}
	return status
}

// Dashboard aggregates buffered telemetry over the window.
func (r *Recorder) Dashboard(window time.Duration) DashboardData {
	if window <= 0 {
		window = time.Hour
	}
	now := r.clock.Now()
	cutoff := now.Add(-window)

	r.mu.RLock()
	events := r.events.items()
	samples := r.samples.items()
	utilization := make(map[string]float64, len(r.utilization))
	for tenant, rate := range r.utilization {
		utilization[tenant] = rate
	}
	r.mu.RUnlock()

	data := DashboardData{
		Window:            window,
		GeneratedAt:       now,
		EventsByCategory:  make(map[models.EventCategory]int),
		EventsBySeverity:  make(map[models.Severity]int),
		TenantUtilization: utilization,
	}

	var inWindow []*models.MonitoringEvent
	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		inWindow = append(inWindow, e)
		data.EventsByCategory[e.Category]++
		data.EventsBySeverity[e.Severity]++
	}
	data.TotalEvents = len(inWindow)

	// Last 20 events, newest first.
	for i := len(inWindow) - 1; i >= 0 && len(data.RecentEvents) < 20; i-- {
		data.RecentEvents = append(data.RecentEvents, inWindow[i])
	}

	var (
		responseSum float64
		responses   int
		hitRateLast float64
	)
	for _, m := range samples {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		switch m.Metric {
		case "response_time":
			responseSum += m.Value
			responses++
			if m.Value > slowOperationMs {
				data.SlowOperations = append(data.SlowOperations, m)
			}
		case "cache_hit_rate":
			hitRateLast = m.Value
		}
	}
	if responses > 0 {
		data.AvgResponseMs = responseSum / float64(responses)
	}
	data.CacheHitRate = hitRateLast
	return data
}
