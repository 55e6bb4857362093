package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/netbridge/internal/model"
	"github.com/seantiz/netbridge/internal/store"
)

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("get request for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get request")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Finished requests have nothing live to stream; history has the rest.
	if model.IsTerminal(rec.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A request that finished since the status check has a closed topic, so
	// Subscribe returns a closed channel and the loop exits at once.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()
	eventStreams.Inc()
	defer eventStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEModelEvent(w, ev); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// eventHistoryResponse is the JSON response for GET /v1/requests/{id}/events/history.
type eventHistoryResponse struct {
	RequestID string        `json:"request_id"`
	Events    []model.Event `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("get request for event history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get request")
		return
	}

	events, err := s.store.GetEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		RequestID: id,
		Events:    events,
	})
}

// writeSSEModelEvent writes a lifecycle event as a named SSE event whose data
// is the JSON encoded event. JSON never contains a raw newline, so one data
// line is enough.
func writeSSEModelEvent(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, ev.Type, string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
