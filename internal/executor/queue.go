package executor

import (
	"errors"
	"sync"
)

// DefaultCapacity is the queue bound used when none is configured.
const DefaultCapacity = 10000

// ErrQueueFull is returned by Enqueue when the queue holds Cap() items.
var ErrQueueFull = errors.New("runnable queue is full")

// Queue is a bounded FIFO ring of runnables. It is safe for concurrent use;
// head, tail and size only change under mu. Dequeue never blocks.
type Queue struct {
	mu    sync.Mutex
	items []Runnable
	head  int
	tail  int
	size  int
}

// NewQueue creates a queue holding at most capacity runnables. A capacity
// <= 0 selects DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{items: make([]Runnable, capacity)}
}

// Enqueue appends r at the tail, or returns ErrQueueFull.
func (q *Queue) Enqueue(r Runnable) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.items) {
		return ErrQueueFull
	}
	q.items[q.tail] = r
	q.tail = (q.tail + 1) % len(q.items)
	q.size++
	return nil
}

// Dequeue removes and returns the head item. ok is false when the queue is empty.
func (q *Queue) Dequeue() (r Runnable, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false
	}
	r = q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return r, true
}

// Len returns the number of queued runnables.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue bound.
func (q *Queue) Cap() int {
	return len(q.items)
}

// drain removes every queued runnable and returns them in FIFO order.
func (q *Queue) drain() []Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Runnable, 0, q.size)
	for q.size > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	return out
}
