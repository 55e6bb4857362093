package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/controller"
	"github.com/seantiz/netbridge/internal/executor"
	"github.com/seantiz/netbridge/internal/model"
	"github.com/seantiz/netbridge/internal/store"
	"github.com/seantiz/netbridge/internal/upload"
)

// DefaultRequestTimeout bounds Do when neither the request nor the config
// sets a timeout.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrNotStarted is returned for requests issued before Start.
	ErrNotStarted = errors.New("engine not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrShuttingDown is returned for requests issued once Shutdown has begun.
	ErrShuttingDown = errors.New("engine shutting down")
	// ErrNotFound is returned by Cancel for an ID the engine never issued.
	ErrNotFound = errors.New("request not found")
)

// Config holds the engine settings.
type Config struct {
	UserAgent   string
	ProxyRules  string
	CacheMode   backend.CacheMode
	EnableQUIC  bool
	EnableHTTP2 bool

	// ReadBufferSize is the streaming read chunk size per request.
	ReadBufferSize int
	// QueueCapacity bounds the executor's runnable queue.
	QueueCapacity int
	// RequestTimeout is the default bound for Do.
	RequestTimeout time.Duration
	// RequestsPerSecond limits StartRequest. Zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	// DisableUploadRewind makes upload sources refuse rewinds, so a
	// redirect that must resend the body fails the request.
	DisableUploadRewind bool
}

// DefaultConfig returns a Config with the defaults applied.
func DefaultConfig() Config {
	return Config{
		UserAgent:      backend.DefaultUserAgent,
		CacheMode:      backend.CacheDisabled,
		EnableHTTP2:    true,
		ReadBufferSize: controller.DefaultReadBufferSize,
		QueueCapacity:  executor.DefaultCapacity,
		RequestTimeout: DefaultRequestTimeout,
	}
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopping
	stateStopped
)

// Engine is the facade over one backend. It is safe for concurrent use.
type Engine struct {
	backend backend.Backend
	name    string
	store   store.Store
	cfg     Config
	logger  *slog.Logger
	broker  *EventBroker
	limiter *rate.Limiter

	mu       sync.Mutex
	state    state
	exec     *executor.Executor
	inflight map[string]*Handle
}

// New creates an engine over b. Nothing runs until Start.
func New(b backend.Backend, s store.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = backend.DefaultUserAgent
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = controller.DefaultReadBufferSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = executor.DefaultCapacity
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	e := &Engine{
		backend:  b,
		name:     b.Capabilities().Name,
		store:    s,
		cfg:      cfg,
		logger:   logger,
		broker:   NewEventBroker(),
		inflight: make(map[string]*Handle),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

// Broker returns the lifecycle event broker for live subscriptions.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// BackendName returns the name the backend reports in its capabilities.
func (e *Engine) BackendName() string {
	return e.name
}

// Capabilities returns the backend's capabilities.
func (e *Engine) Capabilities() backend.Capabilities {
	return e.backend.Capabilities()
}

// Running reports whether the engine is started and accepting requests.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

// Start creates the executor and starts the backend with the configured
// parameters. A backend failure is returned wrapped, so errors.As still finds
// the *backend.StartError, and the executor is shut down again.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopping, stateStopped:
		return ErrShuttingDown
	}

	exec := executor.New(
		executor.WithCapacity(e.cfg.QueueCapacity),
		executor.WithLogger(e.logger),
		executor.WithName(e.name),
	)

	params := backend.Params{
		UserAgent:   e.cfg.UserAgent,
		ProxyRules:  e.cfg.ProxyRules,
		CacheMode:   e.cfg.CacheMode,
		EnableQUIC:  e.cfg.EnableQUIC,
		EnableHTTP2: e.cfg.EnableHTTP2,
	}
	if err := e.backend.Start(params); err != nil {
		exec.Shutdown()
		return fmt.Errorf("start backend %s: %w", e.name, err)
	}

	e.exec = exec
	e.state = stateRunning
	e.logger.Info("engine started",
		"backend", e.name,
		"user_agent", params.UserAgent,
		"cache_mode", params.CacheMode.String(),
		"queue_capacity", e.cfg.QueueCapacity,
	)
	return nil
}

// StartRequest validates params, records the request and starts it. observer
// may be nil; it receives every lifecycle event after the engine's own
// recorder. The returned handle is live until its Done channel closes.
func (e *Engine) StartRequest(ctx context.Context, params model.RequestParams, observer controller.Observer) (*Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	st, exec := e.state, e.exec
	e.mu.Unlock()
	switch st {
	case stateNew:
		return nil, ErrNotStarted
	case stateStopping, stateStopped:
		return nil, ErrShuttingDown
	}

	if e.limiter != nil {
		start := time.Now()
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		rateLimitWait.Observe(time.Since(start).Seconds())
	}

	id := model.NewID()
	rec := &model.Request{
		ID:        id,
		Status:    model.StatusCreated,
		Method:    params.Method,
		URL:       params.URL,
		Backend:   e.name,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRequest(ctx, rec); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	spec := backend.RequestSpec{
		ID:           id,
		URL:          params.URL,
		Method:       params.Method,
		Headers:      params.Headers.Clone(),
		DisableCache: params.DisableCache || e.cfg.CacheMode == backend.CacheDisabled,
	}

	h := &Handle{id: id}
	opts := []controller.Option{
		controller.WithFollowRedirects(params.FollowRedirects),
		controller.WithReadBufferSize(e.cfg.ReadBufferSize),
		controller.WithLogger(e.logger),
		controller.WithReleaseHook(func(string) { e.release(h) }),
	}
	if params.Body != nil {
		uploadOpts := []upload.Option{upload.WithLogger(e.logger)}
		if e.cfg.DisableUploadRewind {
			uploadOpts = append(uploadOpts, upload.WithoutRewind())
		}
		src := upload.New(params.Body, uploadOpts...)
		spec.Upload = src
		opts = append(opts, controller.WithUpload(src))
	}

	recorder := &eventRecorder{engine: e, id: id}
	h.ctrl = controller.New(id, controller.Tee(recorder, observer), opts...)

	e.mu.Lock()
	if e.state != stateRunning {
		e.mu.Unlock()
		h.ctrl.Abort(ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	e.inflight[id] = h
	inflightRequests.Set(float64(len(e.inflight)))
	e.mu.Unlock()

	req, err := e.backend.NewRequest(spec, h.ctrl, exec)
	if err != nil {
		h.ctrl.Abort(err)
		return nil, fmt.Errorf("new request: %w", err)
	}
	canceled := h.attach(req)

	if err := e.store.UpdateRequestStatus(ctx, id, model.StatusStarted); err != nil {
		e.logger.Error("failed to mark request started", "request_id", id, "error", err)
	}
	h.ctrl.MarkStarted()

	if err := req.Start(); err != nil {
		h.ctrl.Abort(err)
		return nil, fmt.Errorf("start request: %w", err)
	}
	if canceled {
		req.Cancel()
	}

	e.logger.Info("request started", "request_id", id, "method", params.Method, "url", params.URL)
	return h, nil
}

// release runs once per request from the controller's terminal path: persist
// the final record, close the event stream, forget the handle.
func (e *Engine) release(h *Handle) {
	sum := h.ctrl.Summary()
	rec := &model.Request{
		ID:            sum.ID,
		Status:        sum.State,
		Error:         sum.Error,
		BytesReceived: sum.BytesReceived,
		Redirects:     sum.Redirects,
	}
	if sum.StatusCode > 0 {
		code := sum.StatusCode
		rec.StatusCode = &code
	}
	if !sum.FinishedAt.IsZero() {
		finished := sum.FinishedAt.UTC()
		rec.FinishedAt = &finished
	}
	if !sum.StartedAt.IsZero() {
		started := sum.StartedAt.UTC()
		rec.StartedAt = &started
		durationMS := int(sum.FinishedAt.Sub(sum.StartedAt).Milliseconds())
		rec.DurationMS = &durationMS
	}

	if err := e.store.FinishRequest(context.Background(), rec); err != nil {
		e.logger.Error("failed to persist request result", "request_id", sum.ID, "error", err)
	}
	e.broker.Close(sum.ID)

	e.mu.Lock()
	delete(e.inflight, sum.ID)
	inflightRequests.Set(float64(len(e.inflight)))
	e.mu.Unlock()

	e.logger.Info("request finished",
		"request_id", sum.ID,
		"status", sum.State,
		"status_code", sum.StatusCode,
		"bytes_received", sum.BytesReceived,
		"redirects", sum.Redirects,
	)
}

// Lookup returns the handle of an in-flight request.
func (e *Engine) Lookup(id string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.inflight[id]
	return h, ok
}

// Cancel cancels the request with the given ID. Cancelling a request that has
// already finished is a no-op; an ID the engine never issued returns
// ErrNotFound.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if h, ok := e.Lookup(id); ok {
		h.Cancel()
		return nil
	}

	if _, err := e.store.GetRequest(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup request: %w", err)
	}
	return nil
}

// Wait blocks until h is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, h *Handle) (*model.Response, error) {
	return h.Wait(ctx)
}

// Timeout returns the bound Do applies to params: params.Timeout when set,
// the configured default otherwise.
func (e *Engine) Timeout(params model.RequestParams) time.Duration {
	if params.Timeout > 0 {
		return params.Timeout
	}
	return e.cfg.RequestTimeout
}

// Do issues a request and blocks for its response. The wait is bounded by
// params.Timeout, or the configured default. When the bound or ctx expires
// the request is canceled, its terminal callback is awaited, and the context
// error is returned.
func (e *Engine) Do(ctx context.Context, params model.RequestParams) (*model.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout(params))
	defer cancel()

	h, err := e.StartRequest(ctx, params, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		h.Cancel()
		<-h.Done()
		return nil, err
	}
	return resp, err
}

// InFlight returns the number of requests not yet released.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// ExecutorStats returns the executor counters, or zero values before Start.
func (e *Engine) ExecutorStats() executor.Stats {
	e.mu.Lock()
	exec := e.exec
	e.mu.Unlock()
	if exec == nil {
		return executor.Stats{}
	}
	return exec.Stats()
}

// Shutdown stops accepting requests, cancels the in-flight ones and waits for
// their terminal callbacks until ctx is done. It then stops the executor and
// the backend. Requests still pending at that point are aborted so no waiter
// blocks forever. Calling Shutdown more than once is safe.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case stateNew:
		e.state = stateStopped
		e.mu.Unlock()
		return nil
	case stateStopping, stateStopped:
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopping
	exec := e.exec
	handles := make([]*Handle, 0, len(e.inflight))
	for _, h := range e.inflight {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	e.logger.Info("engine shutting down", "inflight", len(handles))
	for _, h := range handles {
		h.Cancel()
	}

	pending := 0
wait:
	for i, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			pending = len(handles) - i
			break wait
		}
	}
	if pending > 0 {
		e.logger.Warn("shutdown deadline reached with requests in flight", "pending", pending)
	}

	exec.Shutdown()
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			h.ctrl.Abort(ErrShuttingDown)
		}
	}

	var err error
	if berr := e.backend.Shutdown(); berr != nil {
		err = fmt.Errorf("shutdown backend %s: %w", e.name, berr)
	}

	e.mu.Lock()
	e.state = stateStopped
	e.mu.Unlock()

	e.logger.Info("engine stopped", "executor", exec.Stats())
	return err
}
