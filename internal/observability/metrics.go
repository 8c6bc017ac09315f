package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, runner, and
// follow-up scheduler flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	jobsEnqueuedTotal   *prometheus.CounterVec
	jobsSentTotal       *prometheus.CounterVec
	jobsFailedTotal     *prometheus.CounterVec
	jobsDeadLettered    prometheus.Counter
	jobsReclaimedTotal  prometheus.Counter
	sendDuration        *prometheus.HistogramVec
	runnerInflight      prometheus.Gauge
	followupOutcomes    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_pipeline",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notify_pipeline",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		jobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_pipeline",
				Name:      "jobs_enqueued_total",
				Help:      "Total number of notification jobs accepted into the queue by source.",
			},
			[]string{"source"},
		),
		jobsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_pipeline",
				Name:      "jobs_sent_total",
				Help:      "Total number of jobs delivered successfully by winning channel.",
			},
			[]string{"channel"},
		),
		jobsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_pipeline",
				Name:      "jobs_failed_total",
				Help:      "Total number of job passes that ended without a delivery, by reason.",
			},
			[]string{"reason"},
		),
		jobsDeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notify_pipeline",
				Name:      "jobs_dead_lettered_total",
				Help:      "Total number of jobs quarantined after exhausting every channel and retry.",
			},
		),
		jobsReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notify_pipeline",
				Name:      "jobs_reclaimed_total",
				Help:      "Total number of stale processing leases reset to pending.",
			},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notify_pipeline",
				Name:      "send_duration_seconds",
				Help:      "Channel send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		runnerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "notify_pipeline",
				Name:      "runner_inflight",
				Help:      "Current number of jobs being dispatched by runner workers.",
			},
		),
		followupOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_pipeline",
				Name:      "followup_events_total",
				Help:      "Stage events handled by the follow-up scheduler, by outcome.",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.jobsEnqueuedTotal,
		m.jobsSentTotal,
		m.jobsFailedTotal,
		m.jobsDeadLettered,
		m.jobsReclaimedTotal,
		m.sendDuration,
		m.runnerInflight,
		m.followupOutcomes,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncJobEnqueued(source string) {
	if m == nil {
		return
	}
	m.jobsEnqueuedTotal.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *Metrics) IncJobSent(channel string) {
	if m == nil {
		return
	}
	m.jobsSentTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncJobFailed(reason string) {
	if m == nil {
		return
	}
	m.jobsFailedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncJobDeadLettered() {
	if m == nil {
		return
	}
	m.jobsDeadLettered.Inc()
}

func (m *Metrics) AddJobsReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsReclaimedTotal.Add(float64(n))
}

func (m *Metrics) ObserveSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(channel)).Observe(seconds)
}

func (m *Metrics) IncRunnerInflight() {
	if m == nil {
		return
	}
	m.runnerInflight.Inc()
}

func (m *Metrics) DecRunnerInflight() {
	if m == nil {
		return
	}
	m.runnerInflight.Dec()
}

func (m *Metrics) IncFollowupOutcome(outcome string) {
	if m == nil {
		return
	}
	m.followupOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
