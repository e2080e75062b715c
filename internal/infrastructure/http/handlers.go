// ABOUTME: HTTP handlers for capture session endpoints
// ABOUTME: Implements session listing, status, recording control, raw PCM streaming, and health
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harper/pcm-capture/internal/application/manager"
	"github.com/harper/pcm-capture/internal/domain/session"
)

// idlePoll is used as the stream poll interval before a session reports its
// half period.
const idlePoll = 10 * time.Millisecond

// NewRouter wires every session route onto one handler.
func NewRouter(mgr *manager.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/sessions", NewSessionsHandler(mgr))
	mux.HandleFunc("/healthz", HealthzHandler)

	streamHandler := NewStreamHandler(mgr)
	statusHandler := NewStatusHandler(mgr)
	recordingHandler := NewRecordingHandler(mgr)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/stream"):
			streamHandler.ServeHTTP(w, r)
		case strings.HasSuffix(r.URL.Path, "/status"):
			statusHandler.ServeHTTP(w, r)
		case strings.HasSuffix(r.URL.Path, "/recording"):
			recordingHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	return mux
}

// lookup resolves /{session}/{action} to a session, writing 404 otherwise.
func lookup(mgr *manager.Manager, w http.ResponseWriter, r *http.Request, action string) *session.Session {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[1] != action {
		http.NotFound(w, r)
		return nil
	}

	s := mgr.Get(parts[0])
	if s == nil {
		http.NotFound(w, r)
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type StreamHandler struct {
	mgr *manager.Manager
}

func NewStreamHandler(mgr *manager.Manager) *StreamHandler {
	return &StreamHandler{mgr: mgr}
}

// ServeHTTP streams raw interleaved PCM for /{session}/stream. Query
// parameters: channels (default all) keeps the leading channels of each
// frame, samples (default unlimited) ends the stream after that many frames.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := lookup(h.mgr, w, r, "stream")
	if s == nil {
		return
	}

	channels := s.Channels()
	if v := r.URL.Query().Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > s.Channels() {
			http.Error(w, fmt.Sprintf("channels must be between 1 and %d", s.Channels()), http.StatusBadRequest)
			return
		}
		channels = n
	}

	limit := -1
	if v := r.URL.Query().Get("samples"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "samples must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Channels", strconv.Itoa(channels))
	w.Header().Set("X-Sample-Rate", strconv.Itoa(s.SampleRate()))
	w.Header().Set("X-Sample-Size", strconv.Itoa(s.SampleSize()))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	// Up to 100 ms of frames per read.
	chunkFrames := max(1, s.SampleRate()/10)
	buf := make([]byte, chunkFrames*channels*s.SampleSize())
	sent := 0

	for limit < 0 || sent < limit {
		want := chunkFrames
		if limit >= 0 {
			want = min(want, limit-sent)
		}

		n, err := s.Read(buf, want, channels)
		if err != nil {
			if !errors.Is(err, session.ErrClosed) {
				slog.Warn("stream read failed", "session", s.ID(), "error", err)
			}
			return
		}

		if n > 0 {
			if _, err := w.Write(buf[:n*channels*s.SampleSize()]); err != nil {
				return
			}
			flusher.Flush()
			sent += n
			continue
		}

		poll := s.HalfPeriod()
		if poll <= 0 {
			poll = idlePoll
		}

		select {
		case <-r.Context().Done():
			return
		case <-s.Done():
			return
		case <-time.After(poll):
		}
	}
}

type StatusHandler struct {
	mgr *manager.Manager
}

func NewStatusHandler(mgr *manager.Manager) *StatusHandler {
	return &StatusHandler{mgr: mgr}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := lookup(h.mgr, w, r, "status")
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

type RecordingHandler struct {
	mgr *manager.Manager
}

func NewRecordingHandler(mgr *manager.Manager) *RecordingHandler {
	return &RecordingHandler{mgr: mgr}
}

// ServeHTTP enables recording on POST and disables it on DELETE.
func (h *RecordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := lookup(h.mgr, w, r, "recording")
	if s == nil {
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.EnableRecording()
		slog.Info("recording enabled", "session", s.ID())
	case http.MethodDelete:
		s.DisableRecording()
		slog.Info("recording disabled", "session", s.ID())
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type response struct {
		Recording bool `json:"recording"`
	}
	writeJSON(w, http.StatusOK, response{Recording: s.Recording()})
}

type SessionsHandler struct {
	mgr *manager.Manager
}

func NewSessionsHandler(mgr *manager.Manager) *SessionsHandler {
	return &SessionsHandler{mgr: mgr}
}

func (h *SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type sessionInfo struct {
		ID         string `json:"id"`
		State      string `json:"state"`
		Recording  bool   `json:"recording"`
		Channels   int    `json:"channels"`
		SampleRate int    `json:"sample_rate"`
		StreamURL  string `json:"stream_url"`
		StatusURL  string `json:"status_url"`
	}

	sessions := h.mgr.List()
	result := make([]sessionInfo, 0, len(sessions))

	for _, s := range sessions {
		result = append(result, sessionInfo{
			ID:         s.ID(),
			State:      s.State().String(),
			Recording:  s.Recording(),
			Channels:   s.Channels(),
			SampleRate: s.SampleRate(),
			StreamURL:  fmt.Sprintf("/%s/stream", s.ID()),
			StatusURL:  fmt.Sprintf("/%s/status", s.ID()),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	type response struct {
		OK bool `json:"ok"`
	}
	writeJSON(w, http.StatusOK, response{OK: true})
}
