package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"

	"scanmeter/internal/alerting"
	"scanmeter/internal/alerting/channels"
	"scanmeter/internal/monitoring"
	platformconfig "scanmeter/internal/platform/config"
	"scanmeter/internal/platform/httpserver"
	"scanmeter/internal/platform/logger"
	"scanmeter/internal/platform/middleware"
	platformredis "scanmeter/internal/platform/redis"
	"scanmeter/internal/quota/cache"
	quotaconfig "scanmeter/internal/quota/config"
	"scanmeter/internal/quota/handler"
	"scanmeter/internal/quota/metrics"
	"scanmeter/internal/quota/ports"
	"scanmeter/internal/quota/service/gate"
	"scanmeter/internal/quota/service/ledger"
	dedupStore "scanmeter/internal/quota/store/dedup"
	tenantStore "scanmeter/internal/quota/store/tenant"
	usageStore "scanmeter/internal/quota/store/usage"
	"scanmeter/internal/quota/worker"
)

// main wires stores, services, background workers, and the HTTP router, then
// runs the server until a shutdown signal. Business logic lives in the
// internal packages; everything here is assembly.
func main() {
	cfg := platformconfig.FromEnv()
	log := logger.New()

	quotaCfg, err := quotaconfig.Load(cfg.QuotaConfigPath)
	if err != nil {
		log.Error("loading quota config failed", "error", err)
		os.Exit(1)
	}

	promMetrics := metrics.New()

	// Stores: PostgreSQL and Redis when configured, in-memory otherwise so a
	// single-process deployment needs no external services.
	var (
		tenants ports.TenantStore
		usage   ports.UsageStore
		dedup   ports.DedupStore
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Error("opening postgres failed", "error", err)
			os.Exit(1)
		}
		if err := db.Ping(); err != nil {
			log.Error("postgres ping failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		tenants = tenantStore.NewPostgres(db)
		usage = usageStore.NewPostgres(db)
		log.Info("using postgres stores")
	} else {
		tenants = tenantStore.New()
		usage = usageStore.New()
		log.Warn("no postgres DSN configured, quota state is process-local")
	}

	redisClient, err := platformredis.New(cfg.Redis())
	if err != nil {
		log.Error("connecting to redis failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		dedup = dedupStore.NewRedis(redisClient.Client)
		log.Info("using redis dedup store")
	} else {
		dedup = dedupStore.New()
		log.Warn("no redis URL configured, dedup window will not survive restarts")
	}

	// Alert channels, one per configured destination.
	var alertChannels []ports.NotificationChannel
	if len(cfg.AlertEmails) > 0 {
		alertChannels = append(alertChannels, channels.NewEmail(cfg.AlertEmails, log))
	}
	if len(cfg.AlertSMS) > 0 {
		alertChannels = append(alertChannels, channels.NewSMS(cfg.AlertSMS, log))
	}
	if len(cfg.KafkaBrokers) > 0 {
		stream, err := channels.NewStream(cfg.KafkaBrokers, cfg.KafkaAlertTopic, log)
		if err != nil {
			log.Error("connecting alert stream failed", "error", err)
			os.Exit(1)
		}
		defer stream.Close()
		alertChannels = append(alertChannels, stream)
	}

	dispatcher, err := alerting.New(quotaCfg, alertChannels,
		alerting.WithLogger(log), alerting.WithMetrics(promMetrics))
	if err != nil {
		log.Error("building alert dispatcher failed", "error", err)
		os.Exit(1)
	}

	recorder := monitoring.New(
		monitoring.WithLogger(log),
		monitoring.WithAlertSink(dispatcher),
		monitoring.WithPromMetrics(promMetrics),
	)

	ledgerSvc, err := ledger.New(tenants, usage, quotaCfg,
		ledger.WithLogger(log),
		ledger.WithTelemetry(recorder),
		ledger.WithMetrics(promMetrics),
	)
	if err != nil {
		log.Error("building usage ledger failed", "error", err)
		os.Exit(1)
	}

	dedupCache, err := cache.NewDedup(dedup, quotaCfg.DedupWindow, quotaCfg.DedupMaxEntries,
		cache.WithDedupLogger(log),
		cache.WithDedupTelemetry(recorder),
		cache.WithDedupMetrics(promMetrics),
	)
	if err != nil {
		log.Error("building dedup cache failed", "error", err)
		os.Exit(1)
	}

	gateSvc, err := gate.New(ledgerSvc, dedupCache,
		gate.WithLogger(log),
		gate.WithTelemetry(recorder),
		gate.WithMetrics(promMetrics),
	)
	if err != nil {
		log.Error("building quota gate failed", "error", err)
		os.Exit(1)
	}

	sweeper, err := worker.NewSweeper(quotaCfg.SweepInterval,
		append(ledgerSvc.Caches(), dedupCache),
		worker.WithSweeperLogger(log),
		worker.WithSweeperMetrics(promMetrics),
	)
	if err != nil {
		log.Error("building cache sweeper failed", "error", err)
		os.Exit(1)
	}

	scheduler, err := worker.NewScheduler(ledgerSvc, tenants, usage, quotaCfg,
		worker.WithSchedulerLogger(log),
		worker.WithSchedulerAlerts(dispatcher),
	)
	if err != nil {
		log.Error("building scheduler failed", "error", err)
		os.Exit(1)
	}

	h, err := handler.New(ledgerSvc, gateSvc, recorder, dispatcher, handler.WithLogger(log))
	if err != nil {
		log.Error("building handler failed", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.AccessLog(log))
	h.Register(router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.Start()
	defer sweeper.Stop()
	if err := scheduler.Start(ctx); err != nil {
		log.Error("starting scheduler failed", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	srv := httpserver.New(cfg.Addr, router)
	go func() {
		log.Info("scanmeter quota service listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
