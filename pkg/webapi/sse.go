package webapi

import (
	"net/http"
	"time"

	"responder/pkg/events"
)

// handleEvents implements GET /api/events: a server-sent-events stream of
// everything the broadcaster publishes. Slow readers miss events rather
// than stall the pipeline.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub)
	s.logger.Debug("SSE client connected from %s", r.RemoteAddr)

	// An immediate keepalive lets the client confirm the stream is up.
	if _, err := w.Write(events.KeepaliveFrame()); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(events.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected from %s", r.RemoteAddr)
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := w.Write(ev.Frame()); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write(events.KeepaliveFrame()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
