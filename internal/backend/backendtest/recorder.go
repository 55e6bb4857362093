package backendtest

import (
	"sync"

	"github.com/seantiz/netbridge/internal/controller"
	"github.com/seantiz/netbridge/internal/model"
)

// Event is one observed lifecycle callback.
type Event struct {
	Type       string
	URL        string
	Location   string
	StatusCode int
	Headers    model.Headers
	Chunk      []byte
	Message    string
}

// Recorder records observer events for tests.
//
// Recorder is safe under concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	once   sync.Once
}

var _ controller.Observer = (*Recorder)(nil)

// NewRecorder constructs a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{done: make(chan struct{})}
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) terminal(e Event) {
	r.add(e)
	r.once.Do(func() { close(r.done) })
}

func (r *Recorder) OnRedirectReceived(url, newLocation string, statusCode int, headers model.Headers) {
	r.add(Event{Type: model.EventRedirect, URL: url, Location: newLocation, StatusCode: statusCode, Headers: headers})
}

func (r *Recorder) OnResponseStarted(url string, statusCode int, headers model.Headers) {
	r.add(Event{Type: model.EventResponseStarted, URL: url, StatusCode: statusCode, Headers: headers})
}

func (r *Recorder) OnReadCompleted(chunk []byte) {
	r.add(Event{Type: model.EventReadCompleted, Chunk: chunk})
}

func (r *Recorder) OnSucceeded() {
	r.terminal(Event{Type: model.EventSucceeded})
}

func (r *Recorder) OnFailed(message string) {
	r.terminal(Event{Type: model.EventFailed, Message: message})
}

func (r *Recorder) OnCanceled() {
	r.terminal(Event{Type: model.EventCanceled})
}

// Done is closed when the first terminal event is recorded.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Events returns a snapshot copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Event, len(r.events))
	copy(cp, r.events)
	return cp
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(eventType string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Body concatenates every recorded chunk.
func (r *Recorder) Body() []byte {
	var out []byte
	for _, e := range r.Events() {
		if e.Type == model.EventReadCompleted {
			out = append(out, e.Chunk...)
		}
	}
	return out
}
