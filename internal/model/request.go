package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Request status constants. A request moves through these as the engine
// delivers lifecycle callbacks.
const (
	StatusCreated         = "created"
	StatusStarted         = "started"
	StatusRedirecting     = "redirecting"
	StatusHeadersReceived = "headers_received"
	StatusReading         = "reading"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusCanceled        = "canceled"
)

// Lifecycle event types, one per engine callback.
const (
	EventRedirect        = "redirect"
	EventResponseStarted = "response_started"
	EventReadCompleted   = "read_completed"
	EventSucceeded       = "succeeded"
	EventFailed          = "failed"
	EventCanceled        = "canceled"
)

// DefaultMethod is used when RequestParams.Method is empty.
const DefaultMethod = "GET"

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusCreated: {
		StatusStarted:  true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
	StatusStarted: {
		StatusRedirecting:     true,
		StatusHeadersReceived: true,
		StatusFailed:          true,
		StatusCanceled:        true,
	},
	StatusRedirecting: {
		StatusStarted:  true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
	StatusHeadersReceived: {
		StatusReading:  true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
	StatusReading: {
		StatusReading:   true,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is one of succeeded, failed or canceled.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCanceled
}

// ErrInvalidParams is wrapped by RequestParams.Validate failures.
var ErrInvalidParams = errors.New("invalid request params")

// RequestParams describes a request to issue through the engine.
type RequestParams struct {
	URL     string  `json:"url"`
	Method  string  `json:"method"`
	Headers Headers `json:"headers,omitempty"`

	// Body is the upload content. A nil Body means no upload provider is
	// attached; an empty non-nil Body uploads zero bytes.
	Body []byte `json:"body,omitempty"`

	// FollowRedirects controls the decision taken inside the redirect
	// callback: follow, or cancel the request.
	FollowRedirects bool `json:"follow_redirects"`

	// DisableCache asks the engine to bypass its cache for this request.
	DisableCache bool `json:"disable_cache,omitempty"`

	// Timeout bounds blocking waits. Zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate normalizes the method and checks the URL and method are usable.
func (p *RequestParams) Validate() error {
	if p.Method == "" {
		p.Method = DefaultMethod
	}
	if !isToken(p.Method) {
		return fmt.Errorf("%w: method %q is not a valid token", ErrInvalidParams, p.Method)
	}
	if p.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidParams)
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrInvalidParams, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidParams, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidParams)
	}
	for _, h := range p.Headers {
		if !isToken(h.Name) {
			return fmt.Errorf("%w: header name %q is not a valid token", ErrInvalidParams, h.Name)
		}
	}
	return nil
}

// isToken reports whether s is a non-empty RFC 7230 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c > 0x7e || c <= 0x20 || strings.ContainsRune("\"(),/:;<=>?@[\\]{}", c) {
			return false
		}
	}
	return true
}

// Response is the aggregate produced by a successful request.
type Response struct {
	URL                string   `json:"url"`
	StatusCode         int      `json:"status_code"`
	StatusText         string   `json:"status_text,omitempty"`
	Headers            Headers  `json:"headers"`
	Body               []byte   `json:"body"`
	URLChain           []string `json:"url_chain,omitempty"`
	NegotiatedProtocol string   `json:"negotiated_protocol,omitempty"`
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Request is the persisted record of a request issued through the engine.
type Request struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Method        string     `json:"method"`
	URL           string     `json:"url"`
	Backend       string     `json:"backend"`
	StatusCode    *int       `json:"status_code,omitempty"`
	Error         string     `json:"error,omitempty"`
	BytesReceived int64      `json:"bytes_received"`
	Redirects     int        `json:"redirects"`
	DurationMS    *int       `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Event represents a single persisted lifecycle event of a request.
type Event struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Seq       int       `json:"seq"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}
