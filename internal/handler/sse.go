package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	service "github.com/honeynil/ScanOrchestrator/internal/services"
)

// sseWriter frames stream events as text/event-stream. Headers go out with
// the first event so a failed ownership check can still answer with JSON.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	return &sseWriter{w: w, flusher: f}, nil
}

func (s *sseWriter) emit(ev service.StreamEvent) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type streamFunc func(sw *sseWriter) error

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, kind, id string, run streamFunc) {
	sw, err := newSSEWriter(w)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("stream opened", "kind", kind, "id", id)
	err = run(sw)
	if err != nil {
		if !sw.started {
			h.writeError(w, r, err)
			return
		}
		slog.Warn("stream ended with error", "kind", kind, "id", id, "error", err)
	}
	slog.Info("stream closed", "kind", kind, "id", id)
}

func (h *Handler) StreamScan(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	h.serveStream(w, r, "scan", id, func(sw *sseWriter) error {
		return h.streams.StreamScan(r.Context(), id, uid, sw.emit)
	})
}

func (h *Handler) StreamCollection(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	h.serveStream(w, r, "collection", id, func(sw *sseWriter) error {
		return h.streams.StreamCollection(r.Context(), id, uid, sw.emit)
	})
}
