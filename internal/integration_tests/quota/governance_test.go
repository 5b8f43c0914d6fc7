package quota

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanmeter/internal/alerting"
	"scanmeter/internal/monitoring"
	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/config"
	"scanmeter/internal/quota/handler"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/service/gate"
	"scanmeter/internal/quota/service/ledger"
	tenantStore "scanmeter/internal/quota/store/tenant"
	usageStore "scanmeter/internal/quota/store/usage"
	"scanmeter/pkg/testutil"
)

// governanceStack wires the full pipeline the way cmd/server does, on
// in-memory stores: ledger -> telemetry recorder -> alert dispatcher, fronted
// by the HTTP handler.
type governanceStack struct {
	clock      *clock.Fixed
	tenants    *tenantStore.InMemoryStore
	ledger     *ledger.Service
	recorder   *monitoring.Recorder
	dispatcher *alerting.Dispatcher
	router     chi.Router
}

func newGovernanceStack(t *testing.T) *governanceStack {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFixed(time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC))
	cfg := config.Default()
	tenants := tenantStore.New()
	usage := usageStore.New()

	dispatcher, err := alerting.New(cfg, nil, alerting.WithClock(clk), alerting.WithLogger(logger))
	require.NoError(t, err)

	recorder := monitoring.New(
		monitoring.WithClock(clk),
		monitoring.WithLogger(logger),
		monitoring.WithAlertSink(dispatcher),
	)

	ledgerSvc, err := ledger.New(tenants, usage, cfg,
		ledger.WithClock(clk), ledger.WithLogger(logger), ledger.WithTelemetry(recorder))
	require.NoError(t, err)

	gateSvc, err := gate.New(ledgerSvc, nil,
		gate.WithClock(clk), gate.WithLogger(logger), gate.WithTelemetry(recorder))
	require.NoError(t, err)

	h, err := handler.New(ledgerSvc, gateSvc, recorder, dispatcher,
		handler.WithLogger(logger),
		handler.WithAnalyzer(func(context.Context, gate.Request) (*models.AnalysisResult, error) {
			return &models.AnalysisResult{Score: 70, Summary: "ok"}, nil
		}))
	require.NoError(t, err)

	router := chi.NewRouter()
	h.Register(router)

	return &governanceStack{
		clock:      clk,
		tenants:    tenants,
		ledger:     ledgerSvc,
		recorder:   recorder,
		dispatcher: dispatcher,
		router:     router,
	}
}

func (g *governanceStack) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.DoRequest(g.router, testutil.NewJSONRequest(t, http.MethodPost, path, body))
}

func (g *governanceStack) get(t *testing.T, path string) map[string]any {
	t.Helper()
	w := testutil.DoRequest(g.router, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	return testutil.DecodeJSON[map[string]any](t, w)
}

// TestGovernance_OverageMonth drives a tenant with a 50-scan allowance and a
// negotiated 60/scan overage rate through 55 successful scans spread over the
// month and checks the ledger, the alert register, and the monitoring surface
// all agree on the outcome.
func TestGovernance_OverageMonth(t *testing.T) {
	ctx := context.Background()
	stack := newGovernanceStack(t)

	w := stack.post(t, "/tenants", handler.ProvisionRequest{TenantID: "clinic-e2e", PlanID: "basic"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Negotiated overage rate below the catalog price.
	cfg, err := stack.tenants.Load(ctx, "clinic-e2e")
	require.NoError(t, err)
	cfg.OverageRate = decimal.NewFromInt(60)
	require.NoError(t, stack.tenants.Save(ctx, cfg))

	for i := 0; i < 55; i++ {
		// Hourly spacing keeps each scan past the alert cooldown.
		stack.clock.Advance(time.Hour)
		w := stack.post(t, "/tenants/clinic-e2e/scans", handler.ScanRequest{
			Operation: models.OperationStandard,
			Subject:   models.SubjectIdentity{Email: "patient" + string(rune('a'+i%26)) + "@example.com"},
		})
		require.Equal(t, http.StatusOK, w.Code, "scan %d", i+1)
	}

	// Ledger: 55 units consumed, 5 of them at the overage rate.
	cfg, err = stack.ledger.GetConfig(ctx, "clinic-e2e")
	require.NoError(t, err)
	assert.Equal(t, int64(55*models.UnitScale), cfg.CurrentUsage)
	assert.True(t, cfg.OverageAccrued.Equal(decimal.NewFromInt(300)),
		"overage accrued: got %s", cfg.OverageAccrued)
	assert.Equal(t, 110.0, cfg.UtilizationRate())

	// Availability reflects the depleted state.
	quota := stack.get(t, "/tenants/clinic-e2e/quota")
	assert.Equal(t, 110.0, quota["utilization_rate"])
	assert.EqualValues(t, 0, quota["remaining_units"])
	assert.Equal(t, true, quota["will_incur_overage"])
	assert.Equal(t, true, quota["can_proceed"])
	assert.Equal(t, "60", quota["estimated_cost"])

	// The dispatcher escalated through the ladder as usage climbed: a critical
	// warning before depletion, then depleted alerts carrying the final
	// utilization.
	alerts := stack.dispatcher.TenantAlerts("clinic-e2e")
	require.NotEmpty(t, alerts)

	var sawCritical, sawDepletedFinal bool
	for _, a := range alerts {
		if a.Type == models.AlertQuotaCritical && a.Severity == models.AlertCritical {
			sawCritical = true
		}
		if a.Type == models.AlertQuotaDepleted && a.Details.UtilizationRate == 110.0 {
			sawDepletedFinal = true
			assert.Equal(t, models.AlertUrgent, a.Severity)
			assert.EqualValues(t, 50, a.Details.MonthlyLimit)
		}
	}
	assert.True(t, sawCritical, "expected a critical alert on the way up")
	assert.True(t, sawDepletedFinal, "expected a depleted alert at 110%% utilization")

	// Usage statistics agree with the ledger.
	stats := stack.get(t, "/tenants/clinic-e2e/stats?period=current")
	assert.EqualValues(t, 55, stats["total_scans"])
	assert.EqualValues(t, 55, stats["successful"])

	// The recorder saw every scan; sustained >95% utilization keeps critical
	// events in the health window, so the service reports critical.
	dashboard := stack.get(t, "/monitoring/dashboard?window=72h")
	assert.NotZero(t, dashboard["total_events"])

	w = testutil.DoRequest(stack.router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	health := testutil.DecodeJSON[map[string]any](t, w)
	assert.Equal(t, "critical", health["status"])
	assert.NotEmpty(t, health["issues"])
}

// TestGovernance_PeriodResetClearsPressure verifies the month boundary returns
// the tenant to a clean slate and a changed plan takes effect there.
func TestGovernance_PeriodResetClearsPressure(t *testing.T) {
	ctx := context.Background()
	stack := newGovernanceStack(t)

	w := stack.post(t, "/tenants", handler.ProvisionRequest{TenantID: "clinic-reset", PlanID: "basic"})
	require.Equal(t, http.StatusCreated, w.Code)

	for i := 0; i < 20; i++ {
		_, _, err := stack.ledger.RecordUsage(ctx, "clinic-reset", "u", models.OperationStandard, true, nil)
		require.NoError(t, err)
	}

	w = stack.post(t, "/tenants/clinic-reset/plan", handler.PlanChangeRequest{PlanID: "professional"})
	require.Equal(t, http.StatusOK, w.Code)

	// Usage and plan are unchanged until the boundary.
	cfg, err := stack.ledger.GetConfig(ctx, "clinic-reset")
	require.NoError(t, err)
	assert.Equal(t, "basic", cfg.PlanID)
	assert.Equal(t, int64(20*models.UnitScale), cfg.CurrentUsage)

	stack.clock.Set(time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC))
	cfg, err = stack.ledger.ResetPeriod(ctx, "clinic-reset")
	require.NoError(t, err)

	assert.Equal(t, "professional", cfg.PlanID)
	assert.Zero(t, cfg.CurrentUsage)
	assert.Equal(t, int64(200*models.UnitScale), cfg.MonthlyLimit)

	quota := stack.get(t, "/tenants/clinic-reset/quota")
	assert.EqualValues(t, 200, quota["remaining_units"])
	assert.Equal(t, 0.0, quota["utilization_rate"])
}
