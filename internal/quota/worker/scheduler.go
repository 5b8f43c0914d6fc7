package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/config"
	"scanmeter/internal/quota/ports"
	"scanmeter/internal/quota/service/ledger"
	dErrors "scanmeter/pkg/domain-errors"
)

// burnRateWindowDays is the trailing window the burn-rate projection averages
// over.
const burnRateWindowDays = 7

// Scheduler runs the cron-driven jobs: the daily period-reset pass and the
// hourly burn-rate projection.
type Scheduler struct {
	ledger  *ledger.Service
	tenants ports.TenantStore
	usage   ports.UsageStore
	alerts  ports.AlertSink
	cfg     *config.Config

	cron    *cron.Cron
	clock   clock.Clock
	logger  *slog.Logger
	mu      sync.Mutex
	running bool
}

// SchedulerOption configures optional Scheduler dependencies.
type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

func WithSchedulerClock(clk clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clk }
}

// WithSchedulerAlerts wires burn-rate projections into the alert dispatcher.
func WithSchedulerAlerts(sink ports.AlertSink) SchedulerOption {
	return func(s *Scheduler) { s.alerts = sink }
}

// NewScheduler constructs the cron job owner.
func NewScheduler(ledgerSvc *ledger.Service, tenants ports.TenantStore, usage ports.UsageStore, cfg *config.Config, opts ...SchedulerOption) (*Scheduler, error) {
	if ledgerSvc == nil || tenants == nil || usage == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "ledger, tenant store, and usage store are required")
	}
	if cfg == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "quota config is required")
	}
	s := &Scheduler{
		ledger:  ledgerSvc,
		tenants: tenants,
		usage:   usage,
		cfg:     cfg,
		cron:    cron.New(),
		clock:   clock.System{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start validates and registers the cron entries, then begins scheduling.
// The scheduler stops itself when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := cron.ParseStandard(s.cfg.ResetSchedule); err != nil {
		return fmt.Errorf("invalid reset schedule %q: %w", s.cfg.ResetSchedule, err)
	}
	if _, err := cron.ParseStandard(s.cfg.BurnRateSchedule); err != nil {
		return fmt.Errorf("invalid burn-rate schedule %q: %w", s.cfg.BurnRateSchedule, err)
	}

	if _, err := s.cron.AddFunc(s.cfg.ResetSchedule, func() { s.RunResets(ctx) }); err != nil {
		return fmt.Errorf("schedule period resets: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.BurnRateSchedule, func() { s.RunBurnRate(ctx) }); err != nil {
		return fmt.Errorf("schedule burn-rate sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("quota scheduler started",
		"reset_schedule", s.cfg.ResetSchedule,
		"burn_rate_schedule", s.cfg.BurnRateSchedule,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("quota scheduler stopped")
}

// RunResets resets every tenant whose billing period boundary has passed.
// Failures are per-tenant; one broken tenant never blocks the rest.
func (s *Scheduler) RunResets(ctx context.Context) int {
	configs, err := s.tenants.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "period reset sweep: listing tenants failed", "error", err)
		return 0
	}

	now := s.clock.Now()
	resets := 0
	for _, cfg := range configs {
		if cfg.ResetDate.After(now) {
			continue
		}
		if _, err := s.ledger.ResetPeriod(ctx, cfg.TenantID); err != nil {
			s.logger.ErrorContext(ctx, "period reset failed",
				"tenant_id", cfg.TenantID, "error", err)
			continue
		}
		resets++
	}
	if resets > 0 {
		s.logger.InfoContext(ctx, "period reset sweep completed", "resets", resets)
	}
	return resets
}

// RunBurnRate projects each tenant's depletion date from the trailing week of
// successful scans and feeds the projection to the alert dispatcher.
func (s *Scheduler) RunBurnRate(ctx context.Context) {
	if s.alerts == nil {
		return
	}
	configs, err := s.tenants.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "burn-rate sweep: listing tenants failed", "error", err)
		return
	}

	now := s.clock.Now()
	for _, cfg := range configs {
		if cfg.MonthlyLimit <= 0 {
			continue
		}
		dailyBurn, err := s.dailyBurn(ctx, cfg.TenantID, now)
		if err != nil {
			s.logger.WarnContext(ctx, "burn-rate projection failed",
				"tenant_id", cfg.TenantID, "error", err)
			continue
		}
		if !dailyBurn.IsPositive() {
			continue
		}

		remaining := decimal.New(cfg.RemainingMilli(), -3)
		days := int(math.Ceil(remaining.Div(dailyBurn).InexactFloat64()))
		s.alerts.EvaluateBurnRate(ctx, cfg.TenantID, "", dailyBurn, days)
	}
}

// dailyBurn averages successful scan weight per day over the trailing window.
func (s *Scheduler) dailyBurn(ctx context.Context, tenantID string, now time.Time) (decimal.Decimal, error) {
	records, err := s.usage.Query(ctx, tenantID, now.AddDate(0, 0, -burnRateWindowDays), now)
	if err != nil {
		return decimal.Zero, err
	}
	totalMilli := int64(0)
	for _, r := range records {
		if r.Successful {
			totalMilli += r.OperationType.WeightMilli()
		}
	}
	return decimal.New(totalMilli, -3).Div(decimal.NewFromInt(burnRateWindowDays)), nil
}

// NextRun returns the next scheduled job time, if any.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	for _, e := range entries[1:] {
		if e.Next.Before(next) {
			next = e.Next
		}
	}
	return &next
}

// IsRunning reports whether the cron loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
