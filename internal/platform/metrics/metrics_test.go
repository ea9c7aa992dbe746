package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncJobsStarted()
	m.IncWatchersStarted()
	m.IncArtifacts("segment")
	m.ObserveUpload(ResultSuccess, 20*time.Millisecond)
	m.ObserveUpload(ResultPushErr, 0)
	m.IncUploadRetries()

	body := scrape(t, m, func() { m.SetActiveJobs(2) })

	for _, want := range []string{
		"hls_jobs_started_total 1",
		"hls_watchers_started_total 1",
		`hls_artifacts_detected_total{kind="segment"} 1`,
		`hls_uploads_total{result="success"} 1`,
		`hls_uploads_total{result="push_error"} 1`,
		"hls_upload_duration_seconds_count 1",
		"hls_upload_retries_total 1",
		"hls_active_jobs 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	mw := RequestMiddleware(m)

	ok := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }))
	bad := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) }))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/livestreams", nil))
	bad.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/livestreams", nil))

	body := scrape(t, m, nil)
	if !strings.Contains(body, "hls_requests_total 2") {
		t.Errorf("expected 2 requests: %s", body)
	}
	if !strings.Contains(body, "hls_errors_total 1") {
		t.Errorf("expected 1 error: %s", body)
	}
}
