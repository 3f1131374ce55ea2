// Package metrics exposes Prometheus collectors for the exporter service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	unitsTotal                 *prometheus.CounterVec
	lookupsTotal               *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	exportsCompletedTotal      prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exporter_tasks_total",
				Help: "Task attempts executed by the worker pool, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exporter_task_duration_seconds",
				Help:    "Histogram of task attempt durations, labeled by kind.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "exporter_active_workers",
				Help: "Number of workers currently executing a task.",
			},
		)

		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exporter_units_total",
				Help: "Unit outcomes, labeled by result (succeeded, failed, permanently_failed, skipped).",
			},
			[]string{"result"},
		)

		lookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exporter_party_lookups_total",
				Help: "Secondary party lookups, labeled by result.",
			},
			[]string{"result"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exporter_notifications_total",
				Help: "Notification deliveries, labeled by target and result.",
			},
			[]string{"target", "result"},
		)

		exportsCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "exporter_exports_completed_total",
				Help: "Exports transitioned to complete.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exporter_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records one task attempt.
func ObserveTask(kind, outcome string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(kind, outcome).Inc()
	taskDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveUnit increments the unit outcome counter.
func ObserveUnit(result string) {
	Init()
	unitsTotal.WithLabelValues(result).Inc()
}

// ObserveLookup increments the party lookup counter.
func ObserveLookup(result string) {
	Init()
	lookupsTotal.WithLabelValues(result).Inc()
}

// ObserveNotification increments the delivery counter for a target.
func ObserveNotification(target, result string) {
	Init()
	notificationsTotal.WithLabelValues(target, result).Inc()
}

// ObserveExportCompleted increments the completed exports counter.
func ObserveExportCompleted() {
	Init()
	exportsCompletedTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(rawURL string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
