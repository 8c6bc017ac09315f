package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsPipelineCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncJobEnqueued("api")
	metrics.IncJobSent("CHAT")
	metrics.IncJobFailed("retry_exhausted")
	metrics.IncJobDeadLettered()
	metrics.AddJobsReclaimed(2)
	metrics.ObserveSendDuration("chat", 120*time.Millisecond)
	metrics.IncRunnerInflight()
	metrics.DecRunnerInflight()
	metrics.IncFollowupOutcome("queued")

	if got := testutil.ToFloat64(metrics.jobsEnqueuedTotal.WithLabelValues("api")); got != 1 {
		t.Fatalf("jobs_enqueued_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobsSentTotal.WithLabelValues("chat")); got != 1 {
		t.Fatalf("jobs_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobsFailedTotal.WithLabelValues("retry_exhausted")); got != 1 {
		t.Fatalf("jobs_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobsDeadLettered); got != 1 {
		t.Fatalf("jobs_dead_lettered_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobsReclaimedTotal); got != 2 {
		t.Fatalf("jobs_reclaimed_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.runnerInflight); got != 0 {
		t.Fatalf("runner_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.followupOutcomes.WithLabelValues("queued")); got != 1 {
		t.Fatalf("followup_events_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
