package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// streamEvents serves GET /v1/permits/{request_id}/events as a Server-Sent
// Events stream. Each progress event is one `data:` frame; a final `done`
// frame carries the request result. Requests that already finished get the
// done frame immediately.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	requestID, err := parseRequestID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.orchestrator.Result(requestID); err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the first write so no event published after the
	// response starts can be missed.
	sub := s.bus.Subscribe(requestID)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A request that finished before (or while) we subscribed will never
	// close our channel, so short-circuit straight to the done frame.
	if result, resErr := s.orchestrator.Result(requestID); resErr == nil && result.Done {
		s.writeDoneFrame(w, flusher, requestID)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// SSE comment line keeps proxies from idling out the stream.
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub.Events():
			if !open {
				s.writeDoneFrame(w, flusher, requestID)
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("marshal progress event failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeDoneFrame emits the terminal SSE frame carrying the request result.
func (s *Server) writeDoneFrame(w http.ResponseWriter, flusher http.Flusher, requestID uuid.UUID) {
	result, err := s.orchestrator.Result(requestID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("marshal request result failed", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "event: done\ndata: %s\n\n", payload); err != nil {
		return
	}
	flusher.Flush()
}
