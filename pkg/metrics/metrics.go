package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_builds_total",
			Help: "Total number of builds reaching a terminal status",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_build_duration_seconds",
			Help:    "Build duration in seconds from start to terminal status",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800}, // 5s to 30min
		},
		[]string{"project_type"},
	)

	BuildStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_build_steps_total",
			Help: "Total number of executed build steps by result",
		},
		[]string{"result"},
	)

	// Event pipeline metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_events_appended_total",
			Help: "Total number of build events appended by type",
		},
		[]string{"type"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by result",
		},
		[]string{"result"},
	)

	// Provider deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_deployments_total",
			Help: "Total number of provider deployments by result",
		},
		[]string{"result"},
	)

	AssetUploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_asset_upload_bytes_total",
			Help: "Total bytes of assets uploaded to the provider",
		},
	)

	AssetsDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_assets_deduplicated_total",
			Help: "Total number of assets skipped because the provider already had them",
		},
	)

	// Alert evaluator metrics
	AlertTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_alert_ticks_total",
			Help: "Total number of evaluator ticks by result",
		},
		[]string{"result"},
	)

	AlertNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_alert_notifications_total",
			Help: "Total number of alert notifications sent by severity and type",
		},
		[]string{"severity", "type"},
	)

	AlertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by an active cooldown",
		},
		[]string{"severity", "type"},
	)

	// Telemetry ingest metrics
	APIMetricsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_api_metrics_ingested_total",
			Help: "Total number of per-request telemetry data points ingested",
		},
	)

	SessionItemsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_session_items_ingested_total",
			Help: "Total number of session stream items ingested by type",
		},
		[]string{"type"},
	)

	SessionsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_sessions_emitted_total",
			Help: "Total number of session metric records emitted by termination reason",
		},
		[]string{"reason"},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(BuildStepsTotal)
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(WebhookDeliveriesTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(AssetUploadBytes)
	prometheus.MustRegister(AssetsDeduplicated)
	prometheus.MustRegister(AlertTicksTotal)
	prometheus.MustRegister(AlertNotificationsTotal)
	prometheus.MustRegister(AlertsSuppressedTotal)
	prometheus.MustRegister(APIMetricsIngestedTotal)
	prometheus.MustRegister(SessionItemsIngestedTotal)
	prometheus.MustRegister(SessionsEmittedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram with labels
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
