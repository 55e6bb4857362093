package httpengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/seantiz/netbridge/internal/backend"
)

const netHTTPName = "nethttp"

// netHTTPTransport is a transport over net/http.
type netHTTPTransport struct {
	mu        sync.Mutex
	client    *http.Client
	tr        *http.Transport
	userAgent string
}

func (t *netHTTPTransport) name() string { return netHTTPName }

func (t *netHTTPTransport) configure(params backend.Params) error {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyFromEnvironment
	if params.ProxyRules != "" {
		u, err := url.Parse(params.ProxyRules)
		if err != nil {
			return fmt.Errorf("parse proxy: %w", err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	tr.ForceAttemptHTTP2 = params.EnableHTTP2
	if !params.EnableHTTP2 {
		// A non-nil empty map turns off the HTTP/2 upgrade.
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tr = tr
	t.userAgent = params.UserAgent
	t.client = &http.Client{
		Transport: tr,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return nil
}

func (t *netHTTPTransport) roundTrip(ctx context.Context, out *outgoing) (*incoming, error) {
	t.mu.Lock()
	client, ua := t.client, t.userAgent
	t.mu.Unlock()
	if client == nil {
		return nil, backend.ErrNotStarted
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, nil)
	if err != nil {
		if out.Body != nil {
			out.Body.Close()
		}
		return nil, fmt.Errorf("build request: %w", err)
	}
	if out.Body != nil {
		req.ContentLength = out.ContentLength
		if out.ContentLength == 0 {
			out.Body.Close()
			req.Body = http.NoBody
		} else {
			// net/http closes the body, possibly after Do returns.
			req.Body = out.Body
		}
	}
	for _, h := range out.Headers {
		req.Header.Add(h.Name, h.Value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", ua)
	}
	if out.DisableCache && req.Header.Get("Cache-Control") == "" {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	return &incoming{
		StatusCode: resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
		Headers:    headerList(names, func(n string) []string { return resp.Header[n] }),
		Body:       resp.Body,
		Protocol:   protocolName(resp.ProtoMajor),
	}, nil
}

func (t *netHTTPTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tr != nil {
		t.tr.CloseIdleConnections()
	}
	t.client = nil
	t.tr = nil
}

func protocolName(major int) string {
	if major == 2 {
		return "h2"
	}
	return "http/1.1"
}
