// Package gate is the single entry point for billable analysis operations.
// Execute runs the dedup check, quota pre-flight, the unit of work, and the
// mandatory usage recording in order, so callers cannot skip the ledger.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/cache"
	"scanmeter/internal/quota/metrics"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/ports"
	"scanmeter/internal/quota/service/ledger"
	dErrors "scanmeter/pkg/domain-errors"
)

// Request describes one billable operation attempt.
type Request struct {
	TenantID   string                 `json:"tenant_id"`
	TenantName string                 `json:"tenant_name,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Operation  models.OperationType   `json:"operation"`
	Subject    models.SubjectIdentity `json:"subject"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
}

// UnitOfWork is the billable computation itself. It must honor ctx.
type UnitOfWork func(ctx context.Context) (*models.AnalysisResult, error)

// Result is what Execute hands back: either a fresh analysis that consumed
// quota, or a cached one that did not.
type Result struct {
	Analysis *models.AnalysisResult `json:"analysis,omitempty"`
	Cached   *models.CachedAnalysis `json:"cached,omitempty"`
	Config   *models.QuotaConfig    `json:"config,omitempty"`
	Record   *models.UsageRecord    `json:"record,omitempty"`
}

// FromCache reports whether the result was served without quota deduction.
func (r *Result) FromCache() bool { return r.Cached != nil }

// QuotaExceededError is returned when the plan forbids proceeding. It carries
// what a caller needs to render the refusal.
type QuotaExceededError struct {
	TenantID       string          `json:"tenant_id"`
	RemainingUnits int             `json:"remaining_units"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
	Reason         string          `json:"reason"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for tenant %s: %s (remaining %d, estimated cost %s)",
		e.TenantID, e.Reason, e.RemainingUnits, e.EstimatedCost.StringFixed(2))
}

// Gate wires the dedup cache and the ledger in front of a unit of work.
type Gate struct {
	ledger *ledger.Service
	dedup  *cache.DedupCache

	clock     clock.Clock
	logger    *slog.Logger
	telemetry ports.TelemetrySink
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// Option configures optional Gate dependencies.
type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithClock(clk clock.Clock) Option {
	return func(g *Gate) { g.clock = clk }
}

func WithTelemetry(sink ports.TelemetrySink) Option {
	return func(g *Gate) { g.telemetry = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New constructs a Gate. The dedup cache is optional; without it every
// request is treated as a first scan.
func New(ledgerSvc *ledger.Service, dedup *cache.DedupCache, opts ...Option) (*Gate, error) {
	if ledgerSvc == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "ledger service is required")
	}
	g := &Gate{
		ledger:    ledgerSvc,
		dedup:     dedup,
		clock:     clock.System{},
		logger:    slog.Default(),
		telemetry: ports.NopTelemetry{},
		tracer:    otel.Tracer("scanmeter/gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Execute runs the gated sequence: dedup check, availability check, unit of
// work, usage recording, dedup registration. Usage is recorded regardless of
// the unit of work's outcome; recording failures propagate because billing
// integrity outranks a completed analysis.
func (g *Gate) Execute(ctx context.Context, req Request, work UnitOfWork) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "quota.gate.execute",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("operation.type", string(req.Operation)),
		))
	defer span.End()

	started := g.clock.Now()
	if req.TenantID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	if !req.Operation.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid operation type %q", req.Operation)
	}
	if work == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unit of work is required")
	}

	// (1) Repeat subject inside the window: serve the prior result for free.
	if g.dedup != nil {
		dedupResult, err := g.dedup.CheckRecent(ctx, req.TenantID, req.Subject)
		if err == nil && dedupResult.IsHit {
			span.SetAttributes(attribute.Bool("dedup.hit", true))
			g.telemetry.RecordPerformance("gate.execute", g.clock.Now().Sub(started), req.TenantID, true)
			return &Result{Cached: g.dedup.CachedResult(dedupResult.Previous, dedupResult.Elapsed)}, nil
		}
	}

	// (2) Pre-flight. A refusal never invokes the unit of work.
	avail, err := g.ledger.CheckAvailability(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !avail.CanProceed {
		if g.metrics != nil {
			g.metrics.QuotaBlocked.Inc()
		}
		span.SetAttributes(attribute.Bool("quota.blocked", true))
		qErr := &QuotaExceededError{
			TenantID:       req.TenantID,
			RemainingUnits: avail.RemainingUnits,
			EstimatedCost:  g.estimatedCost(avail.Config, req.Operation),
			Reason:         avail.Reason,
		}
		return nil, dErrors.Wrap(qErr, dErrors.CodeQuotaExceeded, "operation blocked")
	}

	// (3) The billable work, under the caller's deadline.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	analysis, workErr := work(ctx)
	successful := workErr == nil

	// (4)(5) Recording must complete even when the caller gave up mid-work.
	detached := context.WithoutCancel(ctx)
	cfg, record, recordErr := g.ledger.RecordUsage(detached, req.TenantID, req.UserID, req.Operation, successful, req.Metadata)
	if recordErr != nil {
		g.telemetry.RecordError(recordErr, req.TenantID)
		g.telemetry.RecordPerformance("gate.execute", g.clock.Now().Sub(started), req.TenantID, false)
		return nil, recordErr
	}
	if successful && g.dedup != nil {
		var summary *models.ResultSummary
		if analysis != nil {
			summary = &models.ResultSummary{Score: analysis.Score, Summary: analysis.Summary}
		}
		if err := g.dedup.Record(detached, req.TenantID, req.Subject, summary); err != nil {
			g.logger.WarnContext(detached, "dedup record failed", "tenant_id", req.TenantID, "error", err)
		}
	}

	g.telemetry.RecordPerformance("gate.execute", g.clock.Now().Sub(started), req.TenantID, successful)
	if workErr != nil {
		return nil, workErr
	}
	return &Result{Analysis: analysis, Config: cfg, Record: record}, nil
}

// estimatedCost prices the refused operation at the tenant's overage rate.
func (g *Gate) estimatedCost(cfg *models.QuotaConfig, opType models.OperationType) decimal.Decimal {
	if cfg == nil {
		return decimal.Zero
	}
	return cfg.OverageRate.Mul(opType.Weight())
}
