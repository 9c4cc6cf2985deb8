package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_pipeline_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"trigger"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_pipeline_runs_total",
			Help: "Total pipeline runs by trigger and outcome",
		},
		[]string{"trigger", "status"},
	)

	BucketsScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_buckets_scored_total",
			Help: "Daily (country, category) buckets scored, by baseline quality",
		},
		[]string{"quality"},
	)

	EventsScored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_events_scored_total",
			Help: "Events scored by the severity composite",
		},
	)

	SpikesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_spikes_detected_total",
			Help: "Spikes emitted, by trigger method",
		},
		[]string{"method"},
	)

	TierFits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_tier_fits_total",
			Help: "Tier model fits by method",
		},
		[]string{"method"},
	)

	TierSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_tier_snapshot_samples",
			Help: "Countries in the latest tier snapshot",
		},
	)

	TrendLabels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_trend_labels",
			Help: "Current trend labels by window and direction",
		},
		[]string{"window", "direction"},
	)

	CachePublishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_cache_publish_errors_total",
			Help: "Failed snapshot publishes to the cache",
		},
	)

	CacheBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_cache_breaker_open",
			Help: "1 while the snapshot cache circuit breaker is open",
		},
	)

	TriggerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_http_trigger_requests_total",
			Help: "HTTP trigger requests by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RunDuration)
		prometheus.MustRegister(RunsTotal)
		prometheus.MustRegister(BucketsScored)
		prometheus.MustRegister(EventsScored)
		prometheus.MustRegister(SpikesDetected)
		prometheus.MustRegister(TierFits)
		prometheus.MustRegister(TierSamples)
		prometheus.MustRegister(TrendLabels)
		prometheus.MustRegister(CachePublishErrors)
		prometheus.MustRegister(CacheBreakerOpen)
		prometheus.MustRegister(TriggerRequests)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
