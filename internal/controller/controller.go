package controller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/model"
	"github.com/seantiz/netbridge/internal/upload"
)

// DefaultReadBufferSize is the streaming read chunk size.
const DefaultReadBufferSize = 32 << 10

// Outcome is the terminal result of a request.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return model.StatusSucceeded
	case OutcomeFailed:
		return model.StatusFailed
	case OutcomeCanceled:
		return model.StatusCanceled
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithFollowRedirects sets the redirect policy. The default is to follow.
func WithFollowRedirects(follow bool) Option {
	return func(c *Controller) {
		c.followRedirects = follow
	}
}

// WithReadBufferSize sets the streaming read chunk size.
func WithReadBufferSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

// WithUpload attaches the upload source. The controller closes it exactly
// once when the request reaches a terminal state.
func WithUpload(src *upload.Source) Option {
	return func(c *Controller) {
		c.upload = src
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithReleaseHook registers fn to run once after the terminal callback was
// forwarded and resources were released, before waiters are woken.
func WithReleaseHook(fn func(id string)) Option {
	return func(c *Controller) {
		c.releaseHook = fn
	}
}

// WithoutBodyAccumulation streams chunks to the observer only; Wait then
// returns a response with a nil body.
func WithoutBodyAccumulation() Option {
	return func(c *Controller) {
		c.accumulate = false
	}
}

// Summary is a snapshot of what the controller has seen so far.
type Summary struct {
	ID            string
	State         string
	Outcome       Outcome
	URL           string
	StatusCode    int
	BytesReceived int64
	Redirects     int
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Controller drives one request's lifecycle. It implements backend.Callback.
//
// Engine callbacks for one request are never concurrent, but Wait, State and
// Summary may be called from any goroutine, so recorded fields are guarded by
// mu. mu is never held while calling the observer or the engine.
type Controller struct {
	id              string
	logger          *slog.Logger
	followRedirects bool
	bufSize         int
	accumulate      bool
	upload          *upload.Source
	releaseHook     func(id string)

	mu          sync.Mutex
	state       string
	outcome     Outcome
	observer    Observer
	url         string
	urlChain    []string
	statusCode  int
	statusText  string
	headers     model.Headers
	protocol    string
	body        bytes.Buffer
	received    int64
	redirects   int
	errMsg      string
	errCode     backend.ErrorCode
	redirectErr *RedirectError
	buf         *backend.Buffer
	released    bool
	startedAt   time.Time
	finishedAt  time.Time

	done chan struct{}
}

var _ backend.Callback = (*Controller)(nil)

// New creates a controller for the request id. observer may be nil.
func New(id string, observer Observer, opts ...Option) *Controller {
	c := &Controller{
		id:              id,
		followRedirects: true,
		bufSize:         DefaultReadBufferSize,
		accumulate:      true,
		state:           model.StatusCreated,
		observer:        observer,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c.logger = c.logger.With("request_id", id)
	return c
}

// ID returns the request id.
func (c *Controller) ID() string {
	return c.id
}

// MarkStarted records that the engine request was started.
func (c *Controller) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !model.ValidTransition(c.state, model.StatusStarted) {
		c.logger.Warn("ignoring start in unexpected state", "state", c.state)
		return
	}
	c.state = model.StatusStarted
	c.startedAt = time.Now()
}

// Abort ends a request that the engine never accepted. It runs the same
// terminal path as OnFailed without an engine callback. It is a no-op once
// the request is terminal.
func (c *Controller) Abort(err error) {
	msg := "aborted"
	if err != nil {
		msg = err.Error()
	}
	c.finish(OutcomeFailed, msg, backend.ErrorOther)
}

// OnRedirectReceived forwards the redirect and then follows or cancels it
// according to the redirect policy.
func (c *Controller) OnRedirectReceived(req backend.Request, info *backend.ResponseInfo, newLocation string) {
	if req == nil || info == nil {
		panic(malformed("redirect callback without request or response info"))
	}

	c.mu.Lock()
	if c.dropLocked("redirect") {
		c.mu.Unlock()
		return
	}
	if !model.ValidTransition(c.state, model.StatusRedirecting) {
		state := c.state
		c.mu.Unlock()
		panic(malformed("redirect received in state %s", state))
	}
	c.state = model.StatusRedirecting
	c.redirects++
	c.url = info.URL
	c.urlChain = append(c.urlChain[:0], info.URLChain...)
	c.statusCode = info.StatusCode
	c.statusText = info.StatusText
	c.headers = info.Headers.Clone()
	obs := c.observer
	headers := c.headers
	c.mu.Unlock()

	if obs != nil {
		c.notify(model.EventRedirect, func() {
			obs.OnRedirectReceived(info.URL, newLocation, info.StatusCode, headers.Clone())
		})
	}

	if c.followRedirects {
		redirectsTotal.WithLabelValues("follow").Inc()
		c.mu.Lock()
		c.state = model.StatusStarted
		c.mu.Unlock()
		if err := req.FollowRedirect(); err != nil {
			c.logger.Error("follow redirect failed, canceling", "error", err)
			req.Cancel()
		}
		return
	}

	redirectsTotal.WithLabelValues("deny").Inc()
	c.mu.Lock()
	c.redirectErr = &RedirectError{
		URL:        info.URL,
		Location:   newLocation,
		StatusCode: info.StatusCode,
		Headers:    headers.Clone(),
	}
	c.mu.Unlock()
	req.Cancel()
}

// OnResponseStarted records the final status and headers, forwards them and
// issues the first read.
func (c *Controller) OnResponseStarted(req backend.Request, info *backend.ResponseInfo) {
	if req == nil || info == nil {
		panic(malformed("response started without request or response info"))
	}

	c.mu.Lock()
	if c.dropLocked("response_started") {
		c.mu.Unlock()
		return
	}
	if !model.ValidTransition(c.state, model.StatusHeadersReceived) {
		state := c.state
		c.mu.Unlock()
		panic(malformed("response started in state %s", state))
	}
	c.state = model.StatusHeadersReceived
	c.url = info.URL
	c.urlChain = append(c.urlChain[:0], info.URLChain...)
	c.statusCode = info.StatusCode
	c.statusText = info.StatusText
	c.headers = info.Headers.Clone()
	c.protocol = info.NegotiatedProtocol
	obs := c.observer
	headers := c.headers
	c.mu.Unlock()

	if obs != nil {
		c.notify(model.EventResponseStarted, func() {
			obs.OnResponseStarted(info.URL, info.StatusCode, headers.Clone())
		})
	}

	c.mu.Lock()
	c.state = model.StatusReading
	if c.buf == nil {
		c.buf = backend.NewBuffer(c.bufSize)
	}
	buf := c.buf
	c.mu.Unlock()

	c.read(req, buf)
}

// OnReadCompleted copies the chunk out of the engine buffer, forwards it and
// issues the next read with the same buffer.
func (c *Controller) OnReadCompleted(req backend.Request, info *backend.ResponseInfo, buf *backend.Buffer, bytesRead int) {
	if req == nil || buf == nil {
		panic(malformed("read completed without request or buffer"))
	}
	if bytesRead < 0 || bytesRead > buf.Size() {
		panic(malformed("read completed with %d bytes into a %d byte buffer", bytesRead, buf.Size()))
	}

	c.mu.Lock()
	if c.dropLocked("read_completed") {
		c.mu.Unlock()
		return
	}
	if c.state != model.StatusReading {
		state := c.state
		c.mu.Unlock()
		panic(malformed("read completed in state %s", state))
	}
	chunk := bytes.Clone(buf.Data()[:bytesRead])
	if chunk == nil {
		chunk = []byte{}
	}
	if c.accumulate {
		c.body.Write(chunk)
	}
	c.received += int64(bytesRead)
	obs := c.observer
	c.mu.Unlock()

	responseBytesTotal.Add(float64(bytesRead))

	if obs != nil {
		c.notify(model.EventReadCompleted, func() {
			obs.OnReadCompleted(chunk)
		})
	}

	c.read(req, buf)
}

// OnSucceeded is the successful terminal callback.
func (c *Controller) OnSucceeded(req backend.Request, info *backend.ResponseInfo) {
	if req == nil {
		panic(malformed("succeeded without request"))
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if !model.IsTerminal(state) && state != model.StatusReading {
		panic(malformed("succeeded in state %s", state))
	}
	c.finish(OutcomeSucceeded, "", 0)
}

// OnFailed is the failure terminal callback.
func (c *Controller) OnFailed(req backend.Request, info *backend.ResponseInfo, err *backend.Error) {
	if req == nil || err == nil {
		panic(malformed("failed without request or error"))
	}
	c.finish(OutcomeFailed, err.Message, err.Code)
}

// OnCanceled is the cancellation terminal callback.
func (c *Controller) OnCanceled(req backend.Request, info *backend.ResponseInfo) {
	if req == nil {
		panic(malformed("canceled without request"))
	}
	c.finish(OutcomeCanceled, "", 0)
}

// read issues the next engine read. A refused read means the engine already
// finished the request or will not continue it; cancel so a terminal callback
// still arrives.
func (c *Controller) read(req backend.Request, buf *backend.Buffer) {
	if err := req.Read(buf); err != nil {
		c.logger.Error("engine refused read, canceling", "error", err)
		req.Cancel()
	}
}

// dropLocked reports whether a callback arrived after the terminal one.
func (c *Controller) dropLocked(event string) bool {
	if c.outcome == OutcomePending {
		return false
	}
	c.logger.Warn("dropping callback after terminal state", "event", event, "outcome", c.outcome.String())
	return true
}

// finish runs the terminal path exactly once: record, forward, release, wake.
func (c *Controller) finish(outcome Outcome, message string, code backend.ErrorCode) {
	c.mu.Lock()
	if c.dropLocked(outcome.String()) {
		c.mu.Unlock()
		return
	}
	c.outcome = outcome
	switch outcome {
	case OutcomeSucceeded:
		c.state = model.StatusSucceeded
	case OutcomeFailed:
		c.state = model.StatusFailed
		c.errMsg = message
		c.errCode = code
	case OutcomeCanceled:
		c.state = model.StatusCanceled
	}
	c.finishedAt = time.Now()
	obs := c.observer
	c.observer = nil
	started := c.startedAt
	c.mu.Unlock()

	requestsTotal.WithLabelValues(outcome.String()).Inc()
	if !started.IsZero() {
		requestDuration.WithLabelValues(outcome.String()).Observe(time.Since(started).Seconds())
	}

	if obs != nil {
		switch outcome {
		case OutcomeSucceeded:
			c.notify(model.EventSucceeded, obs.OnSucceeded)
		case OutcomeFailed:
			c.notify(model.EventFailed, func() { obs.OnFailed(message) })
		case OutcomeCanceled:
			c.notify(model.EventCanceled, obs.OnCanceled)
		}
	}

	c.release()
}

// release closes the upload, drops the read buffer, runs the release hook and
// finally wakes waiters. It is only reached from finish, once.
func (c *Controller) release() {
	if c.upload != nil {
		c.upload.Close()
	}

	c.mu.Lock()
	c.buf = nil
	c.released = true
	c.mu.Unlock()

	if c.releaseHook != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Error("release hook panicked", "panic", fmt.Sprint(p))
				}
			}()
			c.releaseHook(c.id)
		}()
	}

	close(c.done)
	c.logger.Debug("request released")
}

// notify calls an observer method, recovering a panic so the engine
// follow-up still happens.
func (c *Controller) notify(event string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			observerPanicsTotal.Inc()
			c.logger.Error("observer panicked", "event", event, "panic", fmt.Sprint(p))
		}
	}()
	fn()
}

// Done is closed after the terminal callback has been fully processed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Released reports whether the terminal path released the controller.
func (c *Controller) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// State returns the current lifecycle state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outcome returns the terminal outcome, or OutcomePending.
func (c *Controller) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Summary returns a snapshot of the request's progress.
func (c *Controller) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		ID:            c.id,
		State:         c.state,
		Outcome:       c.outcome,
		URL:           c.url,
		StatusCode:    c.statusCode,
		BytesReceived: c.received,
		Redirects:     c.redirects,
		Error:         c.errMsg,
		StartedAt:     c.startedAt,
		FinishedAt:    c.finishedAt,
	}
}

// Wait blocks until the request is terminal or ctx is done. Context expiry
// returns ctx.Err() and leaves the request running.
func (c *Controller) Wait(ctx context.Context) (*model.Response, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.outcome {
	case OutcomeSucceeded:
		resp := &model.Response{
			URL:                c.url,
			StatusCode:         c.statusCode,
			StatusText:         c.statusText,
			Headers:            c.headers.Clone(),
			URLChain:           append([]string(nil), c.urlChain...),
			NegotiatedProtocol: c.protocol,
		}
		if c.accumulate {
			resp.Body = bytes.Clone(c.body.Bytes())
			if resp.Body == nil {
				resp.Body = []byte{}
			}
		}
		return resp, nil
	case OutcomeFailed:
		return nil, &RequestError{RequestID: c.id, Message: c.errMsg, Code: c.errCode}
	case OutcomeCanceled:
		if c.redirectErr != nil {
			return nil, c.redirectErr
		}
		return nil, ErrCanceled
	default:
		return nil, fmt.Errorf("request %s: done without outcome", c.id)
	}
}
