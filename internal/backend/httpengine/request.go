package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/executor"
	"github.com/seantiz/netbridge/internal/model"
)

// op is a caller decision handed to the I/O goroutine.
type op struct {
	follow bool
	buf    *backend.Buffer
}

// request runs one engine request. The I/O goroutine owns the network state;
// fields under mu are shared with the callback goroutine.
type request struct {
	engine *Engine
	spec   backend.RequestSpec
	cb     backend.Callback
	exec   backend.Executor
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan op

	mu               sync.Mutex
	started          bool
	done             bool
	awaitingRedirect bool
	responded        bool
}

var _ backend.Request = (*request)(nil)

func (r *request) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("request already started")
	}
	r.started = true
	r.mu.Unlock()

	e := r.engine
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return backend.ErrNotStarted
	}
	e.active.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.active.Done()
		defer r.cancel()
		r.run()
	}()
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
	select {
	case r.ops <- op{follow: true}:
		r.awaitingRedirect = false
		return nil
	default:
		return backend.ErrReadPending
	}
}

func (r *request) Read(buf *backend.Buffer) error {
	if buf == nil || buf.Size() == 0 {
		return errors.New("read: buffer has no capacity")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return backend.ErrRequestDone
	}
	if !r.responded {
		return errors.New("read before response started")
	}
	select {
	case r.ops <- op{buf: buf}:
		return nil
	default:
		return backend.ErrReadPending
	}
}

func (r *request) Cancel() {
	r.cancel()
}

func (r *request) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// run is the I/O goroutine: one round trip per hop, a redirect decision
// between hops, then the read loop.
func (r *request) run() {
	hopURL := r.spec.URL
	method := r.spec.Method
	chain := []string{hopURL}
	withBody := r.spec.Upload != nil

	var up *uploadReader
	if withBody {
		up = newUploadReader(r.ctx, r.spec.Upload, r.exec)
	}

	for hop := 0; ; hop++ {
		out := &outgoing{
			URL:          hopURL,
			Method:       method,
			Headers:      r.spec.Headers,
			DisableCache: r.spec.DisableCache,
		}
		if withBody {
			out.ContentLength = up.length()
			out.Body = up
		}

		in, err := r.engine.transport.roundTrip(r.ctx, out)
		if err != nil {
			r.failOrCancel(nil, err)
			return
		}

		info := &backend.ResponseInfo{
			URL:                hopURL,
			URLChain:           append([]string(nil), chain...),
			StatusCode:         in.StatusCode,
			StatusText:         in.StatusText,
			Headers:            in.Headers,
			NegotiatedProtocol: in.Protocol,
		}

		location := in.Headers.Get("Location")
		if !isRedirect(in.StatusCode) || location == "" {
			r.readLoop(info, in.Body)
			return
		}
		in.Body.Close()

		next, err := resolveLocation(hopURL, location)
		if err != nil {
			r.fail(info, &backend.Error{Code: backend.ErrorOther, Message: fmt.Sprintf("invalid redirect location %q: %v", location, err)})
			return
		}
		if hop >= r.engine.maxRedirects {
			r.fail(info, &backend.Error{Code: backend.ErrorOther, Message: fmt.Sprintf("stopped after %d redirects", hop)})
			return
		}

		r.mu.Lock()
		r.awaitingRedirect = true
		r.mu.Unlock()
		r.post(func() { r.cb.OnRedirectReceived(r, info, next) })

		select {
		case <-r.ops:
		case <-r.ctx.Done():
			r.failOrCancel(info, r.ctx.Err())
			return
		}

		switch in.StatusCode {
		case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			if withBody {
				next, err := r.rewindUpload(up)
				if err != nil {
					r.failOrCancel(info, fmt.Errorf("rewind upload: %w", err))
					return
				}
				up = next
			}
		default:
			if method != http.MethodGet && method != http.MethodHead {
				method = http.MethodGet
				withBody = false
			}
		}
		hopURL = next
		chain = append(chain, next)
	}
}

// rewindUpload waits until the transport has closed the previous hop's body,
// which it may do after the response arrived, then rewinds the provider into
// a fresh reader for the next hop.
func (r *request) rewindUpload(prev *uploadReader) (*uploadReader, error) {
	select {
	case <-prev.done():
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
	next := newUploadReader(r.ctx, r.spec.Upload, r.exec)
	if err := next.rewind(); err != nil {
		return nil, err
	}
	return next, nil
}

// readLoop delivers OnResponseStarted, then answers each Read with one chunk.
func (r *request) readLoop(info *backend.ResponseInfo, body io.ReadCloser) {
	defer body.Close()

	r.mu.Lock()
	r.responded = true
	r.mu.Unlock()
	r.post(func() { r.cb.OnResponseStarted(r, info) })

	eof := false
	for {
		var o op
		select {
		case o = <-r.ops:
		case <-r.ctx.Done():
			r.failOrCancel(info, r.ctx.Err())
			return
		}
		if o.buf == nil {
			continue
		}
		if eof {
			r.terminal(func() { r.cb.OnSucceeded(r, info) })
			return
		}

		n, err := readSome(body, o.buf.Data())
		if err != nil && !errors.Is(err, io.EOF) {
			r.failOrCancel(info, err)
			return
		}
		if errors.Is(err, io.EOF) {
			eof = true
		}
		if n == 0 {
			r.terminal(func() { r.cb.OnSucceeded(r, info) })
			return
		}

		info.ReceivedByteCount += int64(n)
		snapshot := *info
		r.post(func() { r.cb.OnReadCompleted(r, &snapshot, o.buf, n) })
	}
}

// readSome reads until at least one byte or an error.
func readSome(body io.Reader, p []byte) (int, error) {
	for range 100 {
		n, err := body.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
	return 0, io.ErrNoProgress
}

// failOrCancel reports OnCanceled when the request context was canceled and
// OnFailed otherwise.
func (r *request) failOrCancel(info *backend.ResponseInfo, err error) {
	if errors.Is(r.ctx.Err(), context.Canceled) {
		r.terminal(func() { r.cb.OnCanceled(r, info) })
		return
	}
	r.fail(info, classify(err))
}

func (r *request) fail(info *backend.ResponseInfo, e *backend.Error) {
	r.logger.Debug("request failed", "error", e.Message, "code", e.Code.String())
	r.terminal(func() { r.cb.OnFailed(r, info, e) })
}

// terminal marks the request done and posts its final callback. Only the I/O
// goroutine calls it, once.
func (r *request) terminal(deliver func()) {
	r.mu.Lock()
	r.done = true
	r.awaitingRedirect = false
	r.mu.Unlock()
	r.post(deliver)
}

func (r *request) post(fn func()) {
	if err := r.exec.Post(executor.Func(fn)); err != nil {
		r.logger.Error("dropping callback, executor rejected it", "error", err)
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	next := b.ResolveReference(l)
	if next.Scheme != "http" && next.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", next.Scheme)
	}
	return next.String(), nil
}

// headerList converts a canonical header map to an ordered list: names sorted,
// values in received order. net/http keeps headers in a map, so the nethttp
// transport cannot report wire order across names; fasthttp responses keep
// it. Duplicate values are preserved either way.
func headerList(names []string, values func(string) []string) model.Headers {
	var out model.Headers
	for _, name := range names {
		for _, v := range values(name) {
			out.Add(name, v)
		}
	}
	return out
}
