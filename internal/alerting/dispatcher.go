// Package alerting raises, suppresses, and fans out quota alerts. Alert
// creation is driven by the telemetry recorder; delivery runs through
// pluggable notification channels. A cooldown per (tenant, alert type) keeps
// sustained threshold breaches from flooding operators.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/config"
	"scanmeter/internal/quota/metrics"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/ports"
	dErrors "scanmeter/pkg/domain-errors"
	"scanmeter/pkg/platform/circuit"
)

// Top-up sizing: cover projected need with headroom, sold in blocks, at a
// volume discount off the overage rate.
const (
	topUpBlock    = 50
	topUpHeadroom = 1.5
	topUpDiscount = 0.8
	minTopUpScans = topUpBlock
)

// Dispatcher owns alert lifecycle and channel fan-out. It implements
// ports.AlertSink.
type Dispatcher struct {
	mu       sync.RWMutex
	alerts   []*models.Alert
	byID     map[uuid.UUID]*models.Alert
	lastSent map[string]time.Time

	cfg      *config.Config
	channels []ports.NotificationChannel
	breakers map[string]*circuit.Breaker

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures optional Dispatcher dependencies.
type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clk }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a Dispatcher. Channels may be empty; alerts are still
// recorded and queryable.
func New(cfg *config.Config, channels []ports.NotificationChannel, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "alerting config is required")
	}
	d := &Dispatcher{
		byID:     make(map[uuid.UUID]*models.Alert),
		lastSent: make(map[string]time.Time),
		cfg:      cfg,
		channels: channels,
		breakers: make(map[string]*circuit.Breaker, len(channels)),
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, ch := range channels {
		d.breakers[ch.Name()] = circuit.New(ch.Name())
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// EvaluateQuota applies the severity ladder to a tenant's remaining allowance
// and raises an alert when a rung is crossed and the cooldown has elapsed.
// Returns the raised alert, or nil when nothing fired.
func (d *Dispatcher) EvaluateQuota(ctx context.Context, tenantID, tenantName string, usedMilli, limitMilli int64) *models.Alert {
	if limitMilli <= 0 {
		return nil
	}
	utilization := models.UtilizationRate(usedMilli, limitMilli)
	remainingPercent := 100 - utilization
	remainingUnits := int64(0)
	if limitMilli > usedMilli {
		remainingUnits = (limitMilli - usedMilli) / models.UnitScale
	}

	var (
		alertType models.AlertType
		severity  models.AlertSeverity
		action    string
	)
	switch {
	case remainingPercent <= d.cfg.Thresholds.UrgentPercent:
		alertType = models.AlertQuotaDepleted
		severity = models.AlertUrgent
		action = "immediate plan upgrade or scan top-up required"
	case remainingPercent <= d.cfg.Thresholds.CriticalPercent:
		alertType = models.AlertQuotaCritical
		severity = models.AlertCritical
		action = "plan upgrade strongly recommended"
	case remainingPercent <= d.cfg.Thresholds.WarningPercent:
		alertType = models.AlertQuotaCritical
		severity = models.AlertWarning
		action = "consider upgrading before the allowance runs out"
	default:
		return nil
	}

	if !d.cooldownElapsed(tenantID, alertType, d.cfg.QuotaCooldown) {
		return nil
	}

	topUpScans, topUpCost := estimateTopUp(remainingUnits, d.overageRateFor(tenantID))
	alert := &models.Alert{
		ID:         uuid.New(),
		Type:       alertType,
		Severity:   severity,
		TenantID:   tenantID,
		TenantName: tenantName,
		Message: fmt.Sprintf("%s has %.1f%% of its monthly scan allowance left (%d scans)",
			displayName(tenantID, tenantName), remainingPercent, remainingUnits),
		Details: models.AlertDetails{
			CurrentUsage:      decimal.New(usedMilli, -3),
			MonthlyLimit:      limitMilli / models.UnitScale,
			UtilizationRate:   utilization,
			RecommendedAction: fmt.Sprintf("%s (top-up of %d scans available)", action, topUpScans),
			EstimatedCost:     &topUpCost,
		},
		CreatedAt: d.clock.Now(),
	}
	d.raise(ctx, alert)
	return alert
}

// EvaluateBurnRate raises an alert when the projected days until depletion
// fall under the warning horizon.
func (d *Dispatcher) EvaluateBurnRate(ctx context.Context, tenantID, tenantName string, dailyBurnUnits decimal.Decimal, daysUntilDepletion int) *models.Alert {
	var severity models.AlertSeverity
	switch {
	case daysUntilDepletion <= 1:
		severity = models.AlertUrgent
	case daysUntilDepletion <= 3:
		severity = models.AlertCritical
	case daysUntilDepletion <= 7:
		severity = models.AlertWarning
	default:
		return nil
	}

	if !d.cooldownElapsed(tenantID, models.AlertBurnRateHigh, d.cfg.BurnRateCooldown) {
		return nil
	}

	depletion := d.clock.Now().AddDate(0, 0, daysUntilDepletion)
	alert := &models.Alert{
		ID:         uuid.New(),
		Type:       models.AlertBurnRateHigh,
		Severity:   severity,
		TenantID:   tenantID,
		TenantName: tenantName,
		Message: fmt.Sprintf("%s is burning %s scans/day and will deplete its allowance in ~%d day(s)",
			displayName(tenantID, tenantName), dailyBurnUnits.StringFixed(1), daysUntilDepletion),
		Details: models.AlertDetails{
			EstimatedDepletionDate: &depletion,
			RecommendedAction:      "review scan volume or upgrade the plan before depletion",
		},
		CreatedAt: d.clock.Now(),
	}
	d.raise(ctx, alert)
	return alert
}

// Acknowledge marks an alert as seen by an operator.
func (d *Dispatcher) Acknowledge(alertID uuid.UUID) error {
	return d.transition(alertID, func(a *models.Alert) { a.Acknowledged = true })
}

// Resolve marks an alert's underlying condition as handled.
func (d *Dispatcher) Resolve(alertID uuid.UUID) error {
	return d.transition(alertID, func(a *models.Alert) { a.ActionTaken = true })
}

// ActiveAlerts returns unhandled alerts, most severe first, newest first
// within a severity.
func (d *Dispatcher) ActiveAlerts() []*models.Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*models.Alert
	for _, a := range d.alerts {
		if a.Active() {
			dup := *a
			out = append(out, &dup)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// TenantAlerts returns every alert for one tenant, newest first.
func (d *Dispatcher) TenantAlerts(tenantID string) []*models.Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*models.Alert
	for i := len(d.alerts) - 1; i >= 0; i-- {
		if d.alerts[i].TenantID == tenantID {
			dup := *d.alerts[i]
			out = append(out, &dup)
		}
	}
	return out
}

// Stats summarizes alert volume for the operations dashboard.
type Stats struct {
	Total        int                          `json:"total"`
	Active       int                          `json:"active"`
	Acknowledged int                          `json:"acknowledged"`
	BySeverity   map[models.AlertSeverity]int `json:"by_severity"`
	ByType       map[models.AlertType]int     `json:"by_type"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Stats{
		BySeverity: make(map[models.AlertSeverity]int),
		ByType:     make(map[models.AlertType]int),
	}
	for _, a := range d.alerts {
		stats.Total++
		if a.Active() {
			stats.Active++
		}
		if a.Acknowledged {
			stats.Acknowledged++
		}
		stats.BySeverity[a.Severity]++
		stats.ByType[a.Type]++
	}
	return stats
}

// raise records the alert, starts its cooldown, and fans out to every
// channel. A failing channel never blocks the others.
func (d *Dispatcher) raise(ctx context.Context, alert *models.Alert) {
	d.mu.Lock()
	d.alerts = append(d.alerts, alert)
	d.byID[alert.ID] = alert
	d.lastSent[cooldownKey(alert.TenantID, alert.Type)] = d.clock.Now()
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.AlertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	}
	ports.LogAudit(ctx, d.logger, "alert_raised",
		"tenant_id", alert.TenantID,
		"alert_id", alert.ID.String(),
		"type", string(alert.Type),
		"severity", string(alert.Severity),
	)

	for _, ch := range d.channels {
		breaker := d.breakers[ch.Name()]
		if breaker.IsOpen() {
			d.logger.WarnContext(ctx, "alert channel skipped, circuit open",
				"channel", ch.Name(), "alert_id", alert.ID.String())
			continue
		}
		if err := ch.Send(ctx, alert); err != nil {
			d.logger.ErrorContext(ctx, "alert delivery failed",
				"channel", ch.Name(), "alert_id", alert.ID.String(), "error", err)
			if d.metrics != nil {
				d.metrics.ChannelFailures.WithLabelValues(ch.Name()).Inc()
			}
			if _, change := breaker.RecordFailure(); change.Opened {
				d.logger.ErrorContext(ctx, "alert channel circuit opened", "channel", ch.Name())
			}
			continue
		}
		if _, change := breaker.RecordSuccess(); change.Closed {
			d.logger.InfoContext(ctx, "alert channel circuit closed", "channel", ch.Name())
		}
	}
}

// ResetChannel closes a channel's circuit after an operator fixes the
// downstream dependency.
func (d *Dispatcher) ResetChannel(name string) bool {
	breaker, exists := d.breakers[name]
	if !exists {
		return false
	}
	breaker.Reset()
	return true
}

func (d *Dispatcher) transition(alertID uuid.UUID, apply func(*models.Alert)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	alert, exists := d.byID[alertID]
	if !exists {
		return dErrors.New(dErrors.CodeNotFound, "alert not found")
	}
	apply(alert)
	return nil
}

func (d *Dispatcher) cooldownElapsed(tenantID string, alertType models.AlertType, cooldown time.Duration) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	last, sent := d.lastSent[cooldownKey(tenantID, alertType)]
	return !sent || d.clock.Now().Sub(last) >= cooldown
}

// overageRateFor resolves the rate used for top-up pricing. Without a plan
// lookup hook, the recommended plan's scan price is the sensible default.
func (d *Dispatcher) overageRateFor(string) decimal.Decimal {
	for _, p := range d.cfg.Plans {
		if p.Recommended {
			return p.ScanPrice
		}
	}
	if len(d.cfg.Plans) > 0 {
		return d.cfg.Plans[0].ScanPrice
	}
	return decimal.Zero
}

// estimateTopUp sizes a discounted scan top-up: projected need with headroom,
// rounded up to sales blocks, never below the minimum block.
func estimateTopUp(remainingUnits int64, rate decimal.Decimal) (int64, decimal.Decimal) {
	needed := int64(float64(remainingUnits) * topUpHeadroom)
	blocks := (needed + topUpBlock - 1) / topUpBlock
	scans := blocks * topUpBlock
	if scans < minTopUpScans {
		scans = minTopUpScans
	}
	cost := rate.Mul(decimal.NewFromInt(scans)).Mul(decimal.NewFromFloat(topUpDiscount))
	return scans, cost
}

func cooldownKey(tenantID string, alertType models.AlertType) string {
	return tenantID + "|" + string(alertType)
}

func displayName(tenantID, tenantName string) string {
	if tenantName != "" {
		return tenantName
	}
	return tenantID
}
