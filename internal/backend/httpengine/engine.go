package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/model"
)

// DefaultMaxRedirects bounds the redirect chain of one request.
const DefaultMaxRedirects = 20

// outgoing is one hop of a request as handed to a transport. A transport that
// receives a Body must close it once it no longer reads from it.
type outgoing struct {
	URL           string
	Method        string
	Headers       model.Headers
	Body          io.ReadCloser
	ContentLength int64
	DisableCache  bool
}

// incoming is a transport response. Body must be closed by the caller.
type incoming struct {
	StatusCode int
	StatusText string
	Headers    model.Headers
	Body       io.ReadCloser
	Protocol   string
}

// transport performs single round trips without following redirects.
type transport interface {
	name() string
	configure(params backend.Params) error
	roundTrip(ctx context.Context, out *outgoing) (*incoming, error)
	close()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMaxRedirects bounds the redirect chain.
func WithMaxRedirects(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRedirects = n
		}
	}
}

// Engine implements backend.Backend over a transport.
type Engine struct {
	transport    transport
	logger       *slog.Logger
	maxRedirects int

	mu      sync.Mutex
	started bool
	params  backend.Params
	ctx     context.Context
	cancel  context.CancelFunc
	active  sync.WaitGroup
}

var _ backend.Backend = (*Engine)(nil)

// NewNetHTTP creates an engine over net/http.
func NewNetHTTP(opts ...Option) *Engine {
	return newEngine(&netHTTPTransport{}, opts...)
}

// NewFastHTTP creates an engine over fasthttp.
func NewFastHTTP(opts ...Option) *Engine {
	return newEngine(&fastHTTPTransport{}, opts...)
}

// Register adds both engines to reg under their transport names.
func Register(reg *backend.Registry, opts ...Option) {
	reg.Register(netHTTPName, NewNetHTTP(opts...))
	reg.Register(fastHTTPName, NewFastHTTP(opts...))
}

func newEngine(t transport, opts ...Option) *Engine {
	e := &Engine{
		transport:    t,
		maxRedirects: DefaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e.logger = e.logger.With("engine", t.name())
	return e
}

// Start validates params and configures the transport.
func (e *Engine) Start(params backend.Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return &backend.StartError{Code: backend.StartIllegalStateAlreadyStarted}
	}
	if params.ProxyRules != "" {
		if err := validateProxy(params.ProxyRules); err != nil {
			return &backend.StartError{Code: backend.StartIllegalArgument, Detail: err.Error()}
		}
	}
	if params.UserAgent == "" {
		params.UserAgent = backend.DefaultUserAgent
	}
	if params.EnableQUIC {
		e.logger.Warn("QUIC requested but not provided by this engine, using TCP")
	}
	if params.CacheMode == backend.CacheEnabled {
		e.logger.Warn("HTTP cache requested but not provided by this engine")
	}
	if err := e.transport.configure(params); err != nil {
		return &backend.StartError{Code: backend.StartIllegalArgument, Detail: err.Error()}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.params = params
	e.started = true
	e.logger.Info("engine started",
		"user_agent", params.UserAgent,
		"proxy", params.ProxyRules != "",
		"http2", params.EnableHTTP2,
	)
	return nil
}

// Shutdown cancels whatever is still running, waits for request goroutines
// and closes the transport.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.active.Wait()
	e.transport.close()
	e.logger.Info("engine shut down")
	return nil
}

// Capabilities reports the transport name and features.
func (e *Engine) Capabilities() backend.Capabilities {
	protocols := []string{"http/1.1"}
	if _, ok := e.transport.(*netHTTPTransport); ok {
		protocols = append(protocols, "h2")
	}
	return backend.Capabilities{
		Name:           e.transport.name(),
		Protocols:      protocols,
		SupportsUpload: true,
		SupportsProxy:  true,
		Streaming:      e.transport.name() == netHTTPName,
	}
}

// NewRequest creates a request that delivers callbacks through exec.
func (e *Engine) NewRequest(spec backend.RequestSpec, cb backend.Callback, exec backend.Executor) (backend.Request, error) {
	if cb == nil || exec == nil {
		return nil, errors.New("new request: callback and executor are required")
	}
	if _, err := url.Parse(spec.URL); err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, backend.ErrNotStarted
	}

	ctx, cancel := context.WithCancel(e.ctx)
	r := &request{
		engine: e,
		spec:   spec,
		cb:     cb,
		exec:   exec,
		logger: e.logger.With("request_id", spec.ID),
		ctx:    ctx,
		cancel: cancel,
		ops:    make(chan op, 1),
	}
	if r.spec.Method == "" {
		r.spec.Method = model.DefaultMethod
	}
	return r, nil
}

func validateProxy(rules string) error {
	u, err := url.Parse(rules)
	if err != nil {
		return fmt.Errorf("parse proxy rules: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("proxy rules %q have no host", rules)
	}
	return nil
}
