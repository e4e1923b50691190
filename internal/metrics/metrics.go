package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	channelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_channel_deliveries_total",
			Help: "Sink channel deliveries by channel and status",
		},
		[]string{"channel", "status"},
	)

	pushAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_push_attempts_total",
			Help: "Push attempts per device token by platform and status",
		},
		[]string{"platform", "status"},
	)

	tokensDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_device_tokens_deactivated_total",
			Help: "Device tokens deactivated after the provider rejected them",
		},
		[]string{"platform"},
	)

	alertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_alerts_created_total",
			Help: "Derived alert notifications created by type",
		},
		[]string{"type"},
	)

	scheduledProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_scheduled_processed_total",
			Help: "Scheduled notifications processed by outcome",
		},
		[]string{"outcome"},
	)

	familyRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_family_runs_total",
			Help: "Orchestrator family executions by family and status",
		},
		[]string{"family", "status"},
	)

	familyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_family_duration_seconds",
			Help:    "Time spent per orchestrator family",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"family"},
	)

	engineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_engine_runs_total",
			Help: "Engine runs by status (completed, skipped, panicked)",
		},
		[]string{"status"},
	)

	lastRunCompleted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_engine_last_run_timestamp_seconds",
			Help: "Unix time the last engine run completed",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Events rejected by a rate limiter, by scope",
		},
		[]string{"scope"},
	)

	circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_circuit_rejections_total",
			Help: "Sends rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordChannelDelivery records the result of one sink channel for one notification.
func RecordChannelDelivery(channel, status string) {
	channelDeliveries.WithLabelValues(channel, status).Inc()
}

// RecordPushAttempt records one push attempt to one device token.
func RecordPushAttempt(platform, status string) {
	pushAttempts.WithLabelValues(platform, status).Inc()
}

// RecordTokenDeactivated counts a token disabled after an invalid-target error.
func RecordTokenDeactivated(platform string) {
	tokensDeactivated.WithLabelValues(platform).Inc()
}

// RecordAlertCreated counts a new derived alert notification.
func RecordAlertCreated(notificationType string) {
	alertsCreated.WithLabelValues(notificationType).Inc()
}

// RecordScheduledProcessed records the outcome of one scheduled item.
func RecordScheduledProcessed(outcome string) {
	scheduledProcessed.WithLabelValues(outcome).Inc()
}

// RecordFamilyRun records one orchestrator family execution.
func RecordFamilyRun(family, status string, duration time.Duration) {
	familyRuns.WithLabelValues(family, status).Inc()
	familyDuration.WithLabelValues(family).Observe(duration.Seconds())
}

// RecordEngineRun records a whole engine run.
func RecordEngineRun(status string) {
	engineRuns.WithLabelValues(status).Inc()
	if status == "completed" || status == "completed_with_errors" {
		lastRunCompleted.SetToCurrentTime()
	}
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// RecordCircuitRejection records a send short-circuited by an open breaker.
func RecordCircuitRejection(breaker string) {
	circuitRejections.WithLabelValues(breaker).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
