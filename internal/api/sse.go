package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"volarbiter/internal/model"
)

// handleEvents streams state changes as Server-Sent Events. The first event
// is a "snapshot" of the current state; each later event carries the
// arbiter version as its id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, a *model.Arbiter) {
	if s.hub == nil {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	ch, cancel := s.hub.Subscribe(a.Name())
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap := a.Snapshot()
	if err := writeSSE(w, snap.Version, "snapshot", toStatus(snap)); err != nil {
		return
	}
	flusher.Flush()

	start := time.Now()
	sent := 0
	defer func() {
		s.logger.Debug(map[string]interface{}{
			"op":          "events_stream",
			"volume":      a.Name(),
			"req_id":      RequestID(r.Context()),
			"sent":        sent,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}()

	ka := time.NewTicker(s.keepalive)
	defer ka.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ka.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, e.Version, string(e.Type), e); err != nil {
				return
			}
			flusher.Flush()
			sent++
		}
	}
}

func writeSSE(w io.Writer, id int64, event string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, b)
	return err
}
