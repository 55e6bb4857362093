package backendtest

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/executor"
	"github.com/seantiz/netbridge/internal/model"
)

// Redirect is one scripted redirect hop.
type Redirect struct {
	StatusCode int
	Location   string
	Headers    model.Headers
}

// Script describes how the engine answers requests for one URL.
type Script struct {
	Redirects []Redirect

	// StatusCode defaults to 200.
	StatusCode int
	StatusText string
	Headers    model.Headers
	Body       []byte

	// ChunkSize caps each read. Zero means the reader's buffer size.
	ChunkSize int

	// Fail ends the request with OnFailed. Without FailAfterHeaders the
	// failure replaces the response; with it, the failure follows the body.
	Fail             *backend.Error
	FailAfterHeaders bool

	// Hang makes Start never produce a callback; only Cancel ends the request.
	Hang bool

	// Delay is applied before every callback.
	Delay time.Duration
}

// Recorded is a request the engine received.
type Recorded struct {
	ID      string
	URL     string
	Method  string
	Headers model.Headers
	Body    []byte
	Rewinds int
}

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the capability name.
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

// WithStartError makes Start fail with the given result code.
func WithStartError(code backend.StartResult) Option {
	return func(e *Engine) {
		e.startErr = &backend.StartError{Code: code}
	}
}

// WithFallback sets the script used for URLs without their own script.
func WithFallback(s Script) Option {
	return func(e *Engine) {
		e.fallback = &s
	}
}

// Engine is a scripted backend.Backend. Every callback is delivered by
// posting a runnable to the request's executor.
type Engine struct {
	name     string
	startErr *backend.StartError

	mu            sync.Mutex
	started       bool
	params        backend.Params
	scripts       map[string]Script
	fallback      *Script
	recorded      []*Recorded
	shutdownCalls int
}

var _ backend.Backend = (*Engine)(nil)

// New creates a scripted engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		name:    "scripted",
		scripts: make(map[string]Script),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle sets the script for url.
func (e *Engine) Handle(url string, s Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[url] = s
}

func (e *Engine) Start(params backend.Params) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return &backend.StartError{Code: backend.StartIllegalStateAlreadyStarted}
	}
	e.started = true
	e.params = params
	return nil
}

func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	e.shutdownCalls++
	return nil
}

func (e *Engine) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           e.name,
		Protocols:      []string{"http/1.1"},
		SupportsUpload: true,
		Streaming:      true,
	}
}

func (e *Engine) NewRequest(spec backend.RequestSpec, cb backend.Callback, exec backend.Executor) (backend.Request, error) {
	if cb == nil || exec == nil {
		return nil, errors.New("new request: callback and executor are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, backend.ErrNotStarted
	}

	script, ok := e.scripts[spec.URL]
	if !ok {
		if e.fallback == nil {
			script = Script{Fail: &backend.Error{
				Code:    backend.ErrorHostnameNotResolved,
				Message: fmt.Sprintf("no script for %s", spec.URL),
			}}
		} else {
			script = *e.fallback
		}
	}

	rec := &Recorded{ID: spec.ID, URL: spec.URL, Method: spec.Method, Headers: spec.Headers.Clone()}
	e.recorded = append(e.recorded, rec)

	return &request{
		engine: e,
		spec:   spec,
		script: script,
		cb:     cb,
		exec:   exec,
		rec:    rec,
		url:    spec.URL,
		method: spec.Method,
	}, nil
}

// Params returns the parameters of the last successful Start.
func (e *Engine) Params() backend.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Started reports whether the engine is running.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// ShutdownCalls returns how many times Shutdown was called.
func (e *Engine) ShutdownCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdownCalls
}

// Requests returns copies of every request received so far.
func (e *Engine) Requests() []Recorded {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Recorded, len(e.recorded))
	for i, r := range e.recorded {
		out[i] = *r
	}
	return out
}

// request is one scripted engine request. Fields below mu are shared between
// the caller's goroutine (Start, Cancel) and the executor.
type request struct {
	engine *Engine
	spec   backend.RequestSpec
	script Script
	cb     backend.Callback
	exec   backend.Executor
	rec    *Recorded

	mu               sync.Mutex
	started          bool
	canceled         bool
	done             bool
	pending          bool
	awaitingRedirect bool
	responded        bool
	uploaded         bool
	hop              int
	url              string
	method           string
	chain            []string
	offset           int
	info             *backend.ResponseInfo
}

func (r *request) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("request already started")
	}
	r.started = true
	if r.done {
		return nil
	}
	r.chain = []string{r.url}
	if r.script.Hang {
		return nil
	}
	r.scheduleLocked(r.advance)
	return nil
}

func (r *request) FollowRedirect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return backend.ErrRequestDone
	}
	if !r.awaitingRedirect {
		return errors.New("no redirect to follow")
	}
	hop := r.script.Redirects[r.hop]
	r.awaitingRedirect = false
	r.hop++
	r.url = hop.Location
	r.chain = append(r.chain, hop.Location)

	switch hop.StatusCode {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if r.spec.Upload != nil {
			r.uploaded = false
			r.scheduleLocked(r.rewindAndAdvance)
			return nil
		}
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if r.method != http.MethodGet && r.method != http.MethodHead {
			r.method = http.MethodGet
		}
	}
	r.scheduleLocked(r.advance)
	return nil
}

func (r *request) Read(buf *backend.Buffer) error {
	if buf == nil {
		return errors.New("read: nil buffer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return backend.ErrRequestDone
	}
	if !r.responded {
		return errors.New("read before response started")
	}
	if r.pending {
		return backend.ErrReadPending
	}
	r.scheduleLocked(func() { r.readStep(buf) })
	return nil
}

func (r *request) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done || r.canceled {
		return
	}
	r.canceled = true
	if !r.pending {
		// Idle: nothing queued will notice the flag, so queue the delivery.
		r.scheduleLocked(func() {})
	}
}

func (r *request) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// scheduleLocked posts step to the executor. Before step runs, a pending
// cancel turns it into OnCanceled.
func (r *request) scheduleLocked(step func()) {
	r.pending = true
	run := executor.Func(func() {
		r.mu.Lock()
		r.pending = false
		if r.done {
			r.mu.Unlock()
			return
		}
		if r.canceled {
			r.done = true
			info := r.info
			r.mu.Unlock()
			r.cb.OnCanceled(r, info)
			return
		}
		r.mu.Unlock()
		step()
	})

	if r.script.Delay > 0 {
		time.AfterFunc(r.script.Delay, func() { _ = r.exec.Post(run) })
		return
	}
	_ = r.exec.Post(run)
}

func (r *request) advance() {
	if r.spec.Upload != nil && !r.uploaded {
		if err := r.pullUpload(); err != nil {
			r.fail(&backend.Error{Code: backend.ErrorOther, Message: "upload: " + err.Error()})
			return
		}
	}

	r.mu.Lock()
	if r.hop < len(r.script.Redirects) {
		hop := r.script.Redirects[r.hop]
		headers := hop.Headers.Clone()
		if headers.Get("Location") == "" {
			headers.Add("Location", hop.Location)
		}
		info := &backend.ResponseInfo{
			URL:                r.url,
			URLChain:           append([]string(nil), r.chain...),
			StatusCode:         hop.StatusCode,
			StatusText:         http.StatusText(hop.StatusCode),
			Headers:            headers,
			NegotiatedProtocol: "http/1.1",
		}
		r.awaitingRedirect = true
		r.mu.Unlock()
		r.cb.OnRedirectReceived(r, info, hop.Location)
		return
	}

	if r.script.Fail != nil && !r.script.FailAfterHeaders {
		r.mu.Unlock()
		r.fail(r.script.Fail)
		return
	}

	code := r.script.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	text := r.script.StatusText
	if text == "" {
		text = http.StatusText(code)
	}
	r.info = &backend.ResponseInfo{
		URL:                r.url,
		URLChain:           append([]string(nil), r.chain...),
		StatusCode:         code,
		StatusText:         text,
		Headers:            r.script.Headers.Clone(),
		NegotiatedProtocol: "http/1.1",
	}
	r.responded = true
	info := r.info
	r.mu.Unlock()

	r.cb.OnResponseStarted(r, info)
}

func (r *request) rewindAndAdvance() {
	sink := &sink{}
	r.spec.Upload.Rewind(sink)
	if sink.err != nil {
		r.fail(&backend.Error{Code: backend.ErrorOther, Message: "upload rewind: " + sink.err.Error()})
		return
	}
	r.engine.mu.Lock()
	r.rec.Rewinds++
	r.engine.mu.Unlock()
	r.advance()
}

func (r *request) readStep(buf *backend.Buffer) {
	r.mu.Lock()
	remaining := r.script.Body[r.offset:]
	if len(remaining) == 0 {
		info := r.info
		r.mu.Unlock()
		if r.script.Fail != nil {
			r.fail(r.script.Fail)
			return
		}
		r.terminal(func() { r.cb.OnSucceeded(r, info) })
		return
	}

	n := min(len(remaining), buf.Size())
	if r.script.ChunkSize > 0 {
		n = min(n, r.script.ChunkSize)
	}
	copy(buf.Data(), remaining[:n])
	r.offset += n
	r.info.ReceivedByteCount += int64(n)
	info := r.info
	r.mu.Unlock()

	r.cb.OnReadCompleted(r, info, buf, n)
}

func (r *request) fail(err *backend.Error) {
	r.mu.Lock()
	info := r.info
	r.mu.Unlock()
	r.terminal(func() { r.cb.OnFailed(r, info, err) })
}

// terminal marks the request done and delivers the final callback once.
func (r *request) terminal(deliver func()) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	deliver()
}

// pullUpload reads the whole body from the provider and records it.
func (r *request) pullUpload() error {
	p := r.spec.Upload
	length := p.Length()
	buf := backend.NewBuffer(4096)
	body := make([]byte, 0, length)
	s := &sink{}
	for {
		s.reset()
		p.Read(s, buf)
		if s.err != nil {
			return s.err
		}
		body = append(body, buf.Data()[:s.n]...)
		if int64(len(body)) > length {
			return fmt.Errorf("provider delivered %d bytes, length is %d", len(body), length)
		}
		if s.final {
			break
		}
		if s.n == 0 {
			return errors.New("provider made no progress")
		}
	}

	r.mu.Lock()
	r.uploaded = true
	r.mu.Unlock()

	r.engine.mu.Lock()
	r.rec.Body = body
	r.rec.Method = r.method
	r.engine.mu.Unlock()
	return nil
}

// sink records the result of one synchronous provider call.
type sink struct {
	n     int
	final bool
	err   error
}

func (s *sink) reset() { *s = sink{} }

func (s *sink) OnReadSucceeded(n int, final bool) {
	s.n = n
	s.final = final
}

func (s *sink) OnReadError(err error)   { s.err = err }
func (s *sink) OnRewindSucceeded()      {}
func (s *sink) OnRewindError(err error) { s.err = err }
