package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/seantiz/netbridge/internal/controller"
	"github.com/seantiz/netbridge/internal/model"
)

// eventRecorder is the observer the engine attaches to every request. It
// dual-writes each lifecycle event: persist to the store for history, then
// publish to the broker for live subscribers. It also advances the stored
// status as headers and body arrive.
//
// Observer calls for one request are serialized, so seq and reading need no
// lock.
type eventRecorder struct {
	engine  *Engine
	id      string
	seq     int
	reading bool
}

var _ controller.Observer = (*eventRecorder)(nil)

type redirectData struct {
	URL         string        `json:"url"`
	NewLocation string        `json:"new_location"`
	StatusCode  int           `json:"status_code"`
	Headers     model.Headers `json:"headers,omitempty"`
}

type responseData struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Headers    model.Headers `json:"headers,omitempty"`
}

type readData struct {
	Bytes int `json:"bytes"`
}

type failedData struct {
	Message string `json:"message"`
}

func (r *eventRecorder) OnRedirectReceived(url, newLocation string, statusCode int, headers model.Headers) {
	r.record(model.EventRedirect, redirectData{
		URL:         url,
		NewLocation: newLocation,
		StatusCode:  statusCode,
		Headers:     headers,
	})
}

func (r *eventRecorder) OnResponseStarted(url string, statusCode int, headers model.Headers) {
	r.setStatus(model.StatusHeadersReceived)
	r.record(model.EventResponseStarted, responseData{
		URL:        url,
		StatusCode: statusCode,
		Headers:    headers,
	})
}

func (r *eventRecorder) OnReadCompleted(chunk []byte) {
	if !r.reading {
		r.reading = true
		r.setStatus(model.StatusReading)
	}
	r.record(model.EventReadCompleted, readData{Bytes: len(chunk)})
}

func (r *eventRecorder) OnSucceeded() {
	r.record(model.EventSucceeded, struct{}{})
}

func (r *eventRecorder) OnFailed(message string) {
	r.record(model.EventFailed, failedData{Message: message})
}

func (r *eventRecorder) OnCanceled() {
	r.record(model.EventCanceled, struct{}{})
}

func (r *eventRecorder) setStatus(status string) {
	if err := r.engine.store.UpdateRequestStatus(context.Background(), r.id, status); err != nil {
		r.engine.logger.Error("failed to update request status",
			"request_id", r.id, "status", status, "error", err)
	}
}

func (r *eventRecorder) record(typ string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		r.engine.logger.Error("failed to encode event", "request_id", r.id, "type", typ, "error", err)
		payload = []byte("{}")
	}

	ev := model.Event{
		RequestID: r.id,
		Seq:       r.seq,
		Type:      typ,
		Data:      string(payload),
		CreatedAt: time.Now().UTC(),
	}
	r.seq++

	if err := r.engine.store.InsertEvent(context.Background(), &ev); err != nil {
		r.engine.logger.Error("failed to persist event",
			"request_id", r.id, "seq", ev.Seq, "type", typ, "error", err)
	}
	eventsRecorded.WithLabelValues(typ).Inc()
	r.engine.broker.Publish(r.id, ev)
}
