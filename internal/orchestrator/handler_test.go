package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-publisher/internal/platform/logger"
)

func newTestRouter(t *testing.T, mode MasterPublish) (*chi.Mux, *testEnv) {
	t.Helper()
	env := newTestEnv(t, mode)
	h := NewHandler(env.orch, logger.Discard())
	r := chi.NewRouter()
	h.Mount(r)
	return r, env
}

func postStart(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/livestreams", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_StartStream(t *testing.T) {
	r, env := newTestRouter(t, MasterImmediate)

	rec := postStart(r, `{"rtmpUrl": "rtmp://src/live", "streamName": "My Stream!"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp StartResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Stream != "mystream_playlist.m3u8" {
		t.Errorf("stream: got %q", resp.Stream)
	}

	eventually(t, 3*time.Second, func() bool {
		for _, label := range []string{"1080p", "720p", "480p"} {
			if info, err := os.Stat(filepath.Join(env.root, "mystream", label)); err != nil || !info.IsDir() {
				return false
			}
		}
		return true
	}, "rendition directories created")
}

func TestHandler_StartStream_bad_request(t *testing.T) {
	r, env := newTestRouter(t, MasterImmediate)

	cases := []struct {
		name string
		body string
	}{
		{"not_json", "not json"},
		{"missing_url", `{"streamName": "abc"}`},
		{"missing_name", `{"rtmpUrl": "rtmp://src/live"}`},
		{"name_sanitizes_to_empty", `{"rtmpUrl": "rtmp://src/live", "streamName": "2024!"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postStart(r, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			var resp errorResponse
			_ = json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Error != "RTMP url and stream name are required" {
				t.Errorf("error message: got %q", resp.Error)
			}
		})
	}
	if n := len(env.orch.Jobs()); n != 0 {
		t.Errorf("jobs created for bad requests: %d", n)
	}
}

func TestHandler_StartStream_conflict(t *testing.T) {
	r, _ := newTestRouter(t, MasterImmediate)

	if rec := postStart(r, `{"rtmpUrl": "rtmp://a/live", "streamName": "show"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first start: expected 202, got %d", rec.Code)
	}
	if rec := postStart(r, `{"rtmpUrl": "rtmp://b/live", "streamName": "SHOW"}`); rec.Code != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", rec.Code)
	}
}

func TestHandler_StartStream_shutting_down(t *testing.T) {
	r, env := newTestRouter(t, MasterImmediate)
	if err := env.orch.Shutdown(contextWithTimeout(t, time.Second)); err != nil {
		t.Fatal(err)
	}
	if rec := postStart(r, `{"rtmpUrl": "rtmp://a/live", "streamName": "show"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandler_GetStream(t *testing.T) {
	r, env := newTestRouter(t, MasterImmediate)
	env.startRunning(t, "show")

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/livestreams/show", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var snap JobSnapshot
		if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
			t.Fatal(err)
		}
		if snap.Stream != "show" || snap.State != StateRunning || len(snap.Renditions) != 3 || len(snap.WatchedDirs) != 3 {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
		if strings.Contains(rec.Body.String(), "rtmp://") {
			t.Error("snapshot leaks the source URL")
		}
	})

	t.Run("not_found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/livestreams/missing", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandler_ListStreams(t *testing.T) {
	r, env := newTestRouter(t, MasterImmediate)

	t.Run("empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/livestreams", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Errorf("expected empty list, got %d %s", rec.Code, rec.Body.String())
		}
	})

	env.startRunning(t, "bravo")
	env.startRunning(t, "alpha")

	t.Run("ordered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/livestreams", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		var snaps []JobSnapshot
		if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&snaps); err != nil {
			t.Fatal(err)
		}
		if len(snaps) != 2 || snaps[0].Stream != "alpha" || snaps[1].Stream != "bravo" {
			t.Errorf("unexpected list: %+v", snaps)
		}
	})
}

func TestHandler_StopStream(t *testing.T) {
	r, env := newTestRouter(t, MasterImmediate)
	job := env.startRunning(t, "show")

	req := httptest.NewRequest(http.MethodDelete, "/livestreams/show", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if err := job.Wait(contextWithTimeout(t, 3*time.Second)); err != nil {
		t.Fatalf("job did not stop: %v", err)
	}

	req = httptest.NewRequest(http.MethodDelete, "/livestreams/show", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after stop, got %d", rec.Code)
	}
}
