// Package monitoring implements the telemetry recorder: bounded in-memory
// buffers of events and metric samples, a direction-aware threshold table, and
// aggregate views for the health and dashboard endpoints. Everything here is
// observability data; losing it never affects billing state.
package monitoring

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/metrics"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/ports"
	dErrors "scanmeter/pkg/domain-errors"
)

const (
	defaultEventCapacity  = 1000
	defaultMetricCapacity = 5000

	// Samples below this count make rate thresholds meaningless.
	minRateSamples = 10

	slowOperationMs = 500
)

// DefaultThresholds is the built-in rule table. Rates alert when low, latency
// and utilization alert when high.
func DefaultThresholds() []models.AlertThreshold {
	return []models.AlertThreshold{
		{Metric: "usage_percent", Threshold: 80, Severity: models.SeverityWarning, Enabled: true},
		{Metric: "usage_percent", Threshold: 95, Severity: models.SeverityCritical, Enabled: true},
		{Metric: "cache_hit_rate", Threshold: 70, Severity: models.SeverityWarning, BelowThreshold: true, Enabled: true},
		{Metric: "avg_response_time", Threshold: 500, Severity: models.SeverityWarning, Enabled: true},
		{Metric: "error_rate", Threshold: 5, Severity: models.SeverityCritical, Enabled: true},
	}
}

// Recorder accumulates telemetry and evaluates thresholds on every sample.
// It implements ports.TelemetrySink.
type Recorder struct {
	mu          sync.RWMutex
	events      *ring[*models.MonitoringEvent]
	samples     *ring[*models.PerformanceMetric]
	utilization map[string]float64

	cacheAccesses int64
	cacheHits     int64
	operations    int64
	failures      int64

	thresholds []models.AlertThreshold
	clock      clock.Clock
	logger     *slog.Logger
	alerts     ports.AlertSink
	prom       *metrics.Metrics
}

// Option configures optional Recorder dependencies.
type Option func(*Recorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func WithClock(clk clock.Clock) Option {
	return func(r *Recorder) { r.clock = clk }
}

// WithAlertSink forwards quota threshold crossings to the alert dispatcher.
func WithAlertSink(sink ports.AlertSink) Option {
	return func(r *Recorder) { r.alerts = sink }
}

// WithPromMetrics bridges recorder observations into Prometheus counters.
func WithPromMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.prom = m }
}

func WithThresholds(rules []models.AlertThreshold) Option {
	return func(r *Recorder) { r.thresholds = rules }
}

// New constructs a Recorder with the default rule table.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		events:      newRing[*models.MonitoringEvent](defaultEventCapacity),
		samples:     newRing[*models.PerformanceMetric](defaultMetricCapacity),
		utilization: make(map[string]float64),
		thresholds:  DefaultThresholds(),
		clock:       clock.System{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordQuotaUsage registers a usage observation for a tenant and evaluates
// the usage thresholds. metadata may carry a "tenant_name" for alert text.
func (r *Recorder) RecordQuotaUsage(tenantID string, usedMilli, limitMilli int64, metadata map[string]any) {
	utilization := models.UtilizationRate(usedMilli, limitMilli)

	severity := models.SeverityInfo
	switch {
	case utilization > 95:
		severity = models.SeverityCritical
	case utilization > 80:
		severity = models.SeverityWarning
	}

	r.addEvent(&models.MonitoringEvent{
		Category: models.CategoryUsage,
		Severity: severity,
		TenantID: tenantID,
		Message:  "quota usage recorded",
		Metadata: mergeMetadata(metadata, map[string]any{
			"used_milli":  usedMilli,
			"limit_milli": limitMilli,
			"utilization": utilization,
		}),
	})
	r.addSample(&models.PerformanceMetric{
		Metric:   "usage_percent",
		Value:    utilization,
		TenantID: tenantID,
	})

	r.mu.Lock()
	r.utilization[tenantID] = utilization
	r.mu.Unlock()

	r.checkThresholds("usage_percent", utilization, tenantID)

	if r.alerts != nil && limitMilli > 0 {
		tenantName, _ := metadata["tenant_name"].(string)
		r.alerts.EvaluateQuota(context.Background(), tenantID, tenantName, usedMilli, limitMilli)
	}
}

// RecordPerformance registers one operation's duration and outcome.
func (r *Recorder) RecordPerformance(operation string, duration time.Duration, tenantID string, success bool) {
	ms := float64(duration.Milliseconds())

	r.mu.Lock()
	r.operations++
	if !success {
		r.failures++
	}
	operations, failures := r.operations, r.failures
	r.mu.Unlock()

	r.addSample(&models.PerformanceMetric{
		Metric:   "response_time",
		Value:    ms,
		TenantID: tenantID,
		Tags:     map[string]string{"operation": operation, "success": boolTag(success)},
	})

	if !success || ms > 3000 {
		r.addEvent(&models.MonitoringEvent{
			Category: models.CategoryPerformance,
			Severity: models.SeverityWarning,
			TenantID: tenantID,
			Message:  "slow or failed operation",
			Metadata: map[string]any{"operation": operation, "duration_ms": ms, "success": success},
		})
	}

	r.checkThresholds("avg_response_time", ms, tenantID)
	if operations >= minRateSamples {
		r.checkThresholds("error_rate", float64(failures)/float64(operations)*100, tenantID)
	}
}

// RecordCacheAccess registers a cache lookup outcome and keeps the running hit
// rate under its threshold rule.
func (r *Recorder) RecordCacheAccess(hit bool, size int) {
	r.mu.Lock()
	r.cacheAccesses++
	if hit {
		r.cacheHits++
	}
	accesses, hits := r.cacheAccesses, r.cacheHits
	r.mu.Unlock()

	if r.prom != nil {
		if hit {
			r.prom.CacheHits.Inc()
		} else {
			r.prom.CacheMisses.Inc()
		}
	}

	rate := float64(hits) / float64(accesses) * 100
	r.addSample(&models.PerformanceMetric{
		Metric: "cache_hit_rate",
		Value:  rate,
		Tags:   map[string]string{"size": strconv.Itoa(size)},
	})
	if accesses >= minRateSamples {
		r.checkThresholds("cache_hit_rate", rate, "")
	}
}

// RecordError registers a failure event. Store outages are critical, anything
// else is a warning.
func (r *Recorder) RecordError(err error, tenantID string) {
	severity := models.SeverityWarning
	if dErrors.Is(err, dErrors.CodeStoreUnavailable) || dErrors.Is(err, dErrors.CodeInternal) {
		severity = models.SeverityCritical
	}
	r.addEvent(&models.MonitoringEvent{
		Category: models.CategoryError,
		Severity: severity,
		TenantID: tenantID,
		Message:  err.Error(),
	})
}

// RecordBilling registers an overage accrual or other billing movement.
func (r *Recorder) RecordBilling(tenantID, operation string, amount decimal.Decimal, success bool) {
	value, _ := amount.Float64()
	r.addEvent(&models.MonitoringEvent{
		Category: models.CategoryBilling,
		Severity: models.SeverityInfo,
		TenantID: tenantID,
		Message:  "billing recorded",
		Metadata: map[string]any{"operation": operation, "amount": amount.String(), "success": success},
	})
	r.addSample(&models.PerformanceMetric{
		Metric:   "billing_amount",
		Value:    value,
		TenantID: tenantID,
		Tags:     map[string]string{"operation": operation},
	})
}

// Events returns a copy of buffered events, oldest first.
func (r *Recorder) Events() []*models.MonitoringEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events.items()
}

// Samples returns a copy of buffered metric samples, oldest first.
func (r *Recorder) Samples() []*models.PerformanceMetric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.samples.items()
}

func (r *Recorder) addEvent(e *models.MonitoringEvent) {
	e.ID = uuid.New()
	e.Timestamp = r.clock.Now()

	r.mu.Lock()
	r.events.add(e)
	r.mu.Unlock()

	if e.Severity == models.SeverityCritical {
		r.logger.Error(e.Message, "category", string(e.Category), "tenant_id", e.TenantID)
	}
}

func (r *Recorder) addSample(m *models.PerformanceMetric) {
	m.Timestamp = r.clock.Now()
	r.mu.Lock()
	r.samples.add(m)
	r.mu.Unlock()
}

// checkThresholds evaluates every enabled rule for the metric, recording one
// event per breach.
func (r *Recorder) checkThresholds(metric string, value float64, tenantID string) {
	for _, rule := range r.thresholds {
		if rule.Metric != metric || !rule.Breached(value) {
			continue
		}
		r.addEvent(&models.MonitoringEvent{
			Category: models.CategoryPerformance,
			Severity: rule.Severity,
			TenantID: tenantID,
			Message:  "threshold breached: " + metric,
			Metadata: map[string]any{"metric": metric, "value": value, "threshold": rule.Threshold},
		})
		r.logger.Warn("telemetry threshold breached",
			"metric", metric, "value", value, "threshold", rule.Threshold,
			"severity", string(rule.Severity), "tenant_id", tenantID)
	}
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
