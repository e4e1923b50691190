package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordChannelDelivery(t *testing.T) {
	before := testutil.ToFloat64(channelDeliveries.WithLabelValues("push", "failed"))
	RecordChannelDelivery("push", "failed")
	RecordChannelDelivery("push", "failed")
	after := testutil.ToFloat64(channelDeliveries.WithLabelValues("push", "failed"))
	if after-before != 2 {
		t.Errorf("expected 2 increments, got %v", after-before)
	}
}

func TestRecordPushAttemptAndDeactivation(t *testing.T) {
	RecordPushAttempt("mobile", "sent")
	RecordPushAttempt("web", "failed")
	before := testutil.ToFloat64(tokensDeactivated.WithLabelValues("web"))
	RecordTokenDeactivated("web")
	if got := testutil.ToFloat64(tokensDeactivated.WithLabelValues("web")); got-before != 1 {
		t.Errorf("expected 1 deactivation, got %v", got-before)
	}
}

func TestRecordAlertCreated(t *testing.T) {
	before := testutil.ToFloat64(alertsCreated.WithLabelValues("task_overdue"))
	RecordAlertCreated("task_overdue")
	if got := testutil.ToFloat64(alertsCreated.WithLabelValues("task_overdue")); got-before != 1 {
		t.Errorf("expected 1 alert, got %v", got-before)
	}
}

func TestRecordScheduledProcessed(t *testing.T) {
	RecordScheduledProcessed("delivered")
	RecordScheduledProcessed("failed")
	RecordScheduledProcessed("skipped")
}

func TestRecordFamilyRun(t *testing.T) {
	before := testutil.ToFloat64(familyRuns.WithLabelValues("overdue_tasks", "error"))
	RecordFamilyRun("overdue_tasks", "error", 20*time.Millisecond)
	if got := testutil.ToFloat64(familyRuns.WithLabelValues("overdue_tasks", "error")); got-before != 1 {
		t.Errorf("expected 1 run, got %v", got-before)
	}
}

func TestRecordEngineRun_SetsLastRun(t *testing.T) {
	RecordEngineRun("skipped")
	RecordEngineRun("completed")
	if testutil.ToFloat64(lastRunCompleted) <= 0 {
		t.Error("last run timestamp should be set after a completed run")
	}
}

func TestRecordRateLimitAndCircuitRejection(t *testing.T) {
	RecordRateLimitRejection("push")
	RecordRateLimitRejection("api")
	RecordCircuitRejection("sns")
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	RecordEngineRun("completed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "beacon_engine_runs_total") {
		t.Error("metrics response should expose beacon_engine_runs_total")
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/scheduled-notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/scheduled-notifications/{id}", "201"))

	req := httptest.NewRequest("GET", "/v1/scheduled-notifications/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/scheduled-notifications/{id}", "201"))
	if after-before != 1 {
		t.Errorf("expected request labelled by route pattern, delta %v", after-before)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
