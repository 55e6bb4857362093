package httpengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"

	"github.com/seantiz/netbridge/internal/backend"
)

const fastHTTPName = "fasthttp"

// Last-resort bounds for a request that has no deadline and is never
// canceled. Canceled requests close their connection at once.
const (
	fastHTTPWriteTimeout = time.Minute
	fastHTTPReadTimeout  = 10 * time.Minute
)

// fastHTTPTransport is a transport over fasthttp. fasthttp buffers the whole
// response body, so reads are served from memory.
//
// Each round trip runs on its own fasthttp.HostClient whose connections are
// dialed through a requestConns, so canceling the request closes exactly the
// connection it is blocked on.
type fastHTTPTransport struct {
	mu        sync.Mutex
	started   bool
	userAgent string
	dial      fasthttp.DialFunc
}

func (t *fastHTTPTransport) name() string { return fastHTTPName }

func (t *fastHTTPTransport) configure(params backend.Params) error {
	var dial fasthttp.DialFunc
	switch {
	case params.ProxyRules != "":
		u, err := url.Parse(params.ProxyRules)
		if err != nil {
			return fmt.Errorf("parse proxy: %w", err)
		}
		if u.Scheme == "socks5" {
			dial = fasthttpproxy.FasthttpSocksDialer(params.ProxyRules)
		} else {
			proxy := u.Host
			if u.User != nil {
				proxy = u.User.String() + "@" + u.Host
			}
			dial = fasthttpproxy.FasthttpHTTPDialer(proxy)
		}
	default:
		dial = fasthttpproxy.FasthttpProxyHTTPDialer()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.userAgent = params.UserAgent
	t.dial = dial
	return nil
}

func (t *fastHTTPTransport) roundTrip(ctx context.Context, out *outgoing) (*incoming, error) {
	t.mu.Lock()
	started, ua, dial := t.started, t.userAgent, t.dial
	t.mu.Unlock()
	if !started {
		if out.Body != nil {
			out.Body.Close()
		}
		return nil, backend.ErrNotStarted
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(out.URL)
	req.Header.SetMethod(out.Method)
	for _, h := range out.Headers {
		req.Header.Add(h.Name, h.Value)
	}
	if out.DisableCache && len(req.Header.Peek("Cache-Control")) == 0 {
		req.Header.Set("Cache-Control", "no-cache")
	}
	// The connection belongs to this request alone and is never pooled.
	req.SetConnectionClose()
	if out.Body != nil {
		body, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			release()
			return nil, err
		}
		req.SetBody(body)
	}

	isTLS := bytes.EqualFold(req.URI().Scheme(), []byte("https"))
	conns := &requestConns{ctx: ctx, dial: dial}
	hc := &fasthttp.HostClient{
		Addr:                          hostAddr(string(req.URI().Host()), isTLS),
		IsTLS:                         isTLS,
		Name:                          ua,
		Dial:                          conns.Dial,
		ReadTimeout:                   fastHTTPReadTimeout,
		WriteTimeout:                  fastHTTPWriteTimeout,
		MaxIdemponentCallAttempts:     1,
		DisableHeaderNamesNormalizing: true,
	}

	type result struct {
		in  *incoming
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer release()

		var err error
		if deadline, ok := ctx.Deadline(); ok {
			err = hc.DoDeadline(req, resp, deadline)
		} else {
			err = hc.Do(req, resp)
		}
		if err != nil {
			done <- result{err: err}
			return
		}
		in := &incoming{
			StatusCode: resp.StatusCode(),
			StatusText: fasthttp.StatusMessage(resp.StatusCode()),
			Body:       io.NopCloser(bytes.NewReader(bytes.Clone(resp.Body()))),
			Protocol:   "http/1.1",
		}
		resp.Header.VisitAll(func(k, v []byte) {
			in.Headers.Add(string(k), string(v))
		})
		done <- result{in: in}
	}()

	select {
	case res := <-done:
		return res.in, res.err
	case <-ctx.Done():
		conns.closeAll()
		<-done
		return nil, ctx.Err()
	}
}

func (t *fastHTTPTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	t.dial = nil
}

// requestConns dials on behalf of one request and remembers what it dialed.
// Once the request context ends it refuses new dials and closeAll unblocks
// any read or write in progress.
type requestConns struct {
	ctx  context.Context
	dial fasthttp.DialFunc

	mu    sync.Mutex
	conns []net.Conn
}

func (c *requestConns) Dial(addr string) (net.Conn, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.dial(addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	c.conns = append(c.conns, conn)
	return conn, nil
}

func (c *requestConns) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
}

// hostAddr returns host with the scheme's default port added when missing.
func hostAddr(host string, isTLS bool) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "80"
	if isTLS {
		port = "443"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}
