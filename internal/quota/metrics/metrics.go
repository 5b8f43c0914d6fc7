package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the quota module's Prometheus metrics.
type Metrics struct {
	ScansRecorded     *prometheus.CounterVec
	OverageScans      prometheus.Counter
	QuotaBlocked      prometheus.Counter
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	DedupHits         prometheus.Counter
	DedupEntries      prometheus.Gauge
	AlertsRaised      *prometheus.CounterVec
	ChannelFailures   *prometheus.CounterVec
	SweepRemovals     prometheus.Counter
	PeriodResetsTotal prometheus.Counter
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ScansRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmeter_scans_recorded_total",
			Help: "Billable operations recorded, by operation type and outcome",
		}, []string{"operation_type", "successful"}),
		OverageScans: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanmeter_overage_scans_total",
			Help: "Operations recorded past the monthly allowance",
		}),
		QuotaBlocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanmeter_quota_blocked_total",
			Help: "Operations rejected because the plan forbids overage",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanmeter_readthrough_cache_hits_total",
			Help: "Read-through cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanmeter_readthrough_cache_misses_total",
			Help: "Read-through cache misses",
		}),
		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanmeter_dedup_hits_total",
			Help: "Repeat-subject detections inside the dedup window",
		}),
		DedupEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scanmeter_dedup_entries",
			Help: "Current in-memory dedup cache entries",
		}),
		AlertsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmeter_alerts_raised_total",
			Help: "Alerts raised, by type and severity",
		}, []string{"type", "severity"}),
		ChannelFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmeter_notification_failures_total",
			Help: "Notification channel delivery failures, by channel",
		}, []string{"channel"}),
		SweepRemovals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanmeter_sweep_removals_total",
			Help: "Expired cache entries removed by background sweeps",
		}),
		PeriodResetsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scanmeter_period_resets_total",
			Help: "Monthly quota period resets applied",
		}),
	}
}
