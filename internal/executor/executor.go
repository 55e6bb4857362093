package executor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Post once Shutdown has begun.
var ErrStopped = errors.New("executor is shut down")

// Runnable is a unit of work scheduled by the engine.
//
// Whoever ends up owning a runnable calls Release exactly once. Run is called
// at most once, and only before Release. A runnable that is discarded (queue
// full, posted after shutdown, still queued at shutdown) is released without
// being run.
type Runnable interface {
	Run()
	Release()
}

// Func adapts a plain function to Runnable. Its Release is a no-op.
type Func func()

// Run calls f.
func (f Func) Run() { f() }

// Release does nothing.
func (Func) Release() {}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithCapacity sets the queue bound. Values <= 0 select DefaultCapacity.
func WithCapacity(n int) Option {
	return func(e *Executor) {
		e.capacity = n
	}
}

// WithLogger sets the logger used for recovered panics and discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithName sets the executor name used as a metric label.
func WithName(name string) Option {
	return func(e *Executor) {
		e.name = name
	}
}

// Stats is a point-in-time snapshot of executor counters.
type Stats struct {
	Queued    int    `json:"queued"`
	Posted    uint64 `json:"posted"`
	Executed  uint64 `json:"executed"`
	Discarded uint64 `json:"discarded"`
	Panicked  uint64 `json:"panicked"`
}

// Executor serializes runnables onto one worker goroutine.
//
// It is safe for concurrent use. Post may be called from inside a running
// runnable; the queue lock is never held while a runnable runs.
type Executor struct {
	name     string
	capacity int
	logger   *slog.Logger
	queue    *Queue

	// mu guards stopped so that a Post racing Shutdown either lands in the
	// queue before the final drain or is rejected.
	mu      sync.Mutex
	stopped bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	shutdown sync.Once

	posted    atomic.Uint64
	executed  atomic.Uint64
	discarded atomic.Uint64
	panicked  atomic.Uint64
}

// New creates an Executor and starts its worker goroutine.
func New(opts ...Option) *Executor {
	e := &Executor{
		name: "default",
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e.queue = NewQueue(e.capacity)

	go e.loop()
	return e
}

// Name returns the executor name.
func (e *Executor) Name() string {
	return e.name
}

// Post queues r for execution on the worker goroutine. Ownership of r passes
// to the executor even on error: a rejected runnable is released, not run.
func (e *Executor) Post(r Runnable) error {
	if r == nil {
		return errors.New("post: nil runnable")
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.discard(r, "stopped")
		return ErrStopped
	}
	err := e.queue.Enqueue(r)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("runnable queue full, discarding runnable",
			"executor", e.name, "capacity", e.queue.Cap())
		e.discard(r, "queue_full")
		return fmt.Errorf("post: %w", err)
	}

	e.posted.Add(1)
	runnablesTotal.WithLabelValues(e.name, outcomePosted).Inc()
	queueDepth.WithLabelValues(e.name).Inc()

	// Non-blocking: a pending wake already covers this item.
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Shutdown stops the worker and releases every queued runnable without running
// it. It waits for an in-progress runnable to return, so it must not be called
// from inside a runnable. Calling it more than once is safe.
func (e *Executor) Shutdown() {
	e.shutdown.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		close(e.stop)
		<-e.done

		remaining := e.queue.drain()
		for _, r := range remaining {
			queueDepth.WithLabelValues(e.name).Dec()
			e.discard(r, "shutdown")
		}
		if len(remaining) > 0 {
			e.logger.Info("executor shut down with pending runnables",
				"executor", e.name, "discarded", len(remaining))
		}
	})
}

// Stopped reports whether Shutdown has begun.
func (e *Executor) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Queued:    e.queue.Len(),
		Posted:    e.posted.Load(),
		Executed:  e.executed.Load(),
		Discarded: e.discarded.Load(),
		Panicked:  e.panicked.Load(),
	}
}

// loop is the worker: wait for a wake or stop signal, then drain the queue one
// runnable at a time. Stop is checked before every dequeue so nothing new runs
// once Shutdown has begun.
func (e *Executor) loop() {
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		if r, ok := e.queue.Dequeue(); ok {
			queueDepth.WithLabelValues(e.name).Dec()
			e.run(r)
			continue
		}

		select {
		case <-e.wake:
		case <-e.stop:
			return
		}
	}
}

// run executes r and releases it. A panic inside r is logged and swallowed so
// one failing callback cannot stop later request progress.
func (e *Executor) run(r Runnable) {
	defer e.release(r)
	defer func() {
		if p := recover(); p != nil {
			e.panicked.Add(1)
			runnablesTotal.WithLabelValues(e.name, outcomePanicked).Inc()
			e.logger.Error("runnable panicked", "executor", e.name, "panic", fmt.Sprint(p))
		}
	}()

	start := time.Now()
	r.Run()
	runDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	e.executed.Add(1)
	runnablesTotal.WithLabelValues(e.name, outcomeExecuted).Inc()
}

func (e *Executor) discard(r Runnable, reason string) {
	e.discarded.Add(1)
	runnablesTotal.WithLabelValues(e.name, outcomeDiscarded).Inc()
	e.logger.Debug("discarding runnable", "executor", e.name, "reason", reason)
	e.release(r)
}

func (e *Executor) release(r Runnable) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("runnable release panicked", "executor", e.name, "panic", fmt.Sprint(p))
		}
	}()
	r.Release()
}
