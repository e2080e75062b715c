// ABOUTME: Tests for HTTP handlers
// ABOUTME: Verifies routing, recording control, status, and raw PCM streaming
package http

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harper/pcm-capture/internal/application/config"
	"github.com/harper/pcm-capture/internal/application/manager"
	"github.com/harper/pcm-capture/internal/domain/session"
	"github.com/harper/pcm-capture/internal/infrastructure/device"
)

func newTestManager(t *testing.T, record bool) *manager.Manager {
	t.Helper()

	cfg := &config.Config{
		Sessions: []config.SessionConfig{
			{
				ID:            "mic6",
				RecordOnStart: record,
				Audio:         config.AudioConfig{Channels: 6},
				Buffering:     config.BufferingConfig{BlockCount: 4096},
				Device: config.DeviceConfig{
					Kind: "sim",
					Sim:  config.SimConfig{FramesPerHalf: 32, PeriodMs: 1},
				},
			},
		},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	mgr, err := manager.NewFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	return mgr
}

func TestRouter_404(t *testing.T) {
	router := NewRouter(newTestManager(t, false))

	for _, path := range []string{"/nonexistent/stream", "/mic6/unknown", "/mic6/extra/stream"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestSessionsHandler(t *testing.T) {
	router := NewRouter(newTestManager(t, true))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sessions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var sessions []struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		Recording bool   `json:"recording"`
		Channels  int    `json:"channels"`
		StreamURL string `json:"stream_url"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.ID != "mic6" || got.State != "running" || !got.Recording || got.Channels != 6 {
		t.Errorf("unexpected session info %+v", got)
	}
	if got.StreamURL != "/mic6/stream" {
		t.Errorf("unexpected stream url %s", got.StreamURL)
	}
}

func TestRecordingHandler(t *testing.T) {
	mgr := newTestManager(t, false)
	router := NewRouter(mgr)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/mic6/recording", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !mgr.Get("mic6").Recording() {
		t.Error("POST should enable recording")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/mic6/recording", nil))
	if mgr.Get("mic6").Recording() {
		t.Error("DELETE should disable recording")
	}

	var resp struct {
		Recording bool `json:"recording"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Recording {
		t.Error("response should report recording off")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("PUT", "/mic6/recording", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	router := NewRouter(newTestManager(t, false))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/mic6/status", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var stats session.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if stats.ID != "mic6" || stats.BufferCapacity != 4096*24 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.RunID == "" {
		t.Error("expected a run id")
	}
}

func TestStreamHandler_Samples(t *testing.T) {
	router := NewRouter(newTestManager(t, true))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/mic6/stream?channels=2&samples=100", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	router.ServeHTTP(rec, req.WithContext(ctx))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("expected octet-stream, got %s", ct)
	}
	if rec.Header().Get("X-Channels") != "2" {
		t.Errorf("expected X-Channels 2, got %s", rec.Header().Get("X-Channels"))
	}

	body := rec.Body.Bytes()
	if len(body) != 100*2*4 {
		t.Fatalf("expected %d bytes, got %d", 100*2*4, len(body))
	}

	// Frames come from the simulator in order, projected to two channels.
	var prev uint32
	for i := 0; i < 100; i++ {
		c0 := binary.LittleEndian.Uint32(body[i*8:])
		c1 := binary.LittleEndian.Uint32(body[i*8+4:])
		if c0 != device.SampleValue(uint64(c0>>8), 0) || c1 != device.SampleValue(uint64(c0>>8), 1) {
			t.Fatalf("frame %d: unexpected samples %#x %#x", i, c0, c1)
		}
		if i > 0 && c0>>8 <= prev {
			t.Fatalf("frame %d: frame number %d not after %d", i, c0>>8, prev)
		}
		prev = c0 >> 8
	}
}

func TestStreamHandler_BadChannels(t *testing.T) {
	router := NewRouter(newTestManager(t, false))

	for _, q := range []string{"channels=0", "channels=7", "channels=x", "samples=-1"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/mic6/stream?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHealthzHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthzHandler(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var resp map[string]bool
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp["ok"] {
		t.Errorf("expected ok true, got %v", resp)
	}
}
