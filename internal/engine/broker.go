package engine

import (
	"sync"
	"time"

	"github.com/seantiz/netbridge/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// DefaultClosedMarkerTTL is how long a finished request's topic is kept.
const DefaultClosedMarkerTTL = 30 * time.Second

// EventBroker fans out per-request lifecycle events to subscribers.
// It is safe for concurrent use.
//
// A closed topic is kept as a marker for a while so that a subscriber racing
// the end of a request receives a closed channel instead of blocking forever.
// Callers that can see a request is finished (the store) must check that
// first: once the marker expires a subscription to the request never closes.
// Open topics are dropped when their last subscriber leaves.
type EventBroker struct {
	mu        sync.Mutex
	topics    map[string]*eventTopic
	markerTTL time.Duration
	// expiries lists closed markers in Close order, so the oldest is first.
	expiries []markerExpiry
}

type eventTopic struct {
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

type markerExpiry struct {
	id    string
	topic *eventTopic
	at    time.Time
}

// BrokerOption configures an EventBroker.
type BrokerOption func(*EventBroker)

// WithClosedMarkerTTL sets how long closed topics are kept.
func WithClosedMarkerTTL(d time.Duration) BrokerOption {
	return func(b *EventBroker) {
		b.markerTTL = d
	}
}

// NewEventBroker creates a new event broker.
func NewEventBroker(opts ...BrokerOption) *EventBroker {
	b := &EventBroker{
		topics:    make(map[string]*eventTopic),
		markerTTL: DefaultClosedMarkerTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len reports how many topics, open or closed, the broker holds.
func (b *EventBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscribe returns a channel that receives events for the given request and
// an unsubscribe function. If the request already finished (Close was called),
// the returned channel is immediately closed.
func (b *EventBroker) Subscribe(requestID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())

	t, ok := b.topics[requestID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.Event)}
		b.topics[requestID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if !t.closed && len(t.subs) == 0 && b.topics[requestID] == t {
			delete(b.topics, requestID)
		}
	}
}

// Publish sends an event to all subscribers of the given request.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(requestID string, ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[requestID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Never block the executor on a slow subscriber.
		}
	}
}

// Close signals that no more events will be published for the given request.
// All subscriber channels are closed and Subscribe calls within the marker TTL
// return a closed channel.
func (b *EventBroker) Close(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	t, ok := b.topics[requestID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.Event)}
		b.topics[requestID] = t
	}
	if !t.closed {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		b.expiries = append(b.expiries, markerExpiry{id: requestID, topic: t, at: now.Add(b.markerTTL)})
	}
	b.pruneLocked(now)
}

// pruneLocked drops closed markers whose TTL has passed.
func (b *EventBroker) pruneLocked(now time.Time) {
	n := 0
	for _, e := range b.expiries {
		if e.at.After(now) {
			break
		}
		if b.topics[e.id] == e.topic {
			delete(b.topics, e.id)
		}
		n++
	}
	if n > 0 {
		b.expiries = b.expiries[n:]
	}
}
