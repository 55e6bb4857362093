package backend

import (
	"errors"

	"github.com/seantiz/netbridge/internal/executor"
	"github.com/seantiz/netbridge/internal/model"
)

// ErrRequestDone is returned by Request operations issued after the request
// reached a terminal callback.
var ErrRequestDone = errors.New("request already finished")

// ErrReadPending is returned by Request.Read when a read is already in flight.
var ErrReadPending = errors.New("read already pending")

// ErrNotStarted is returned by Backend.NewRequest before Start succeeded.
var ErrNotStarted = errors.New("engine not started")

// Backend is a network engine. Implementations own all HTTP, TLS and protocol
// handling; the core only drives the contract below.
type Backend interface {
	// Start configures and starts the engine. A failure is a *StartError.
	Start(params Params) error

	// Shutdown tears the engine down. Callers cancel or finish every request
	// first.
	Shutdown() error

	// NewRequest creates a request bound to cb. Every callback is delivered by
	// posting a runnable to exec, so callbacks for one request never overlap.
	NewRequest(spec RequestSpec, cb Callback, exec Executor) (Request, error)

	// Capabilities reports what this engine supports.
	Capabilities() Capabilities
}

// Request is one engine-side request.
type Request interface {
	// Start begins the request. It is called once.
	Start() error

	// Read asks the engine to fill buf. The engine answers with exactly one
	// OnReadCompleted, OnSucceeded, OnFailed or OnCanceled.
	Read(buf *Buffer) error

	// FollowRedirect continues after OnRedirectReceived.
	FollowRedirect() error

	// Cancel requests cancellation. It is idempotent and a no-op once the
	// request is done; the engine still delivers one terminal callback.
	Cancel()

	// IsDone reports whether a terminal callback has been delivered.
	IsDone() bool
}

// Callback is the per-request event set the engine drives. Each method is
// invoked on the request's executor.
type Callback interface {
	OnRedirectReceived(req Request, info *ResponseInfo, newLocation string)
	OnResponseStarted(req Request, info *ResponseInfo)
	OnReadCompleted(req Request, info *ResponseInfo, buf *Buffer, bytesRead int)
	OnSucceeded(req Request, info *ResponseInfo)
	OnFailed(req Request, info *ResponseInfo, err *Error)
	OnCanceled(req Request, info *ResponseInfo)
}

// Executor accepts engine work. *executor.Executor satisfies it.
type Executor interface {
	Post(r executor.Runnable) error
}

var _ Executor = (*executor.Executor)(nil)

// RequestSpec holds the parameters of a single engine request.
type RequestSpec struct {
	ID      string
	URL     string
	Method  string
	Headers model.Headers

	// Upload is nil for requests without a body. The engine never closes it;
	// the owner of the request does, exactly once.
	Upload UploadDataProvider

	// DisableCache asks the engine to bypass any cache it has.
	DisableCache bool
}

// ResponseInfo describes the response as known at the time of a callback.
// It is nil in callbacks that fire before any response was received.
type ResponseInfo struct {
	URL                string        `json:"url"`
	URLChain           []string      `json:"url_chain"`
	StatusCode         int           `json:"status_code"`
	StatusText         string        `json:"status_text"`
	Headers            model.Headers `json:"headers"`
	NegotiatedProtocol string        `json:"negotiated_protocol"`
	ReceivedByteCount  int64         `json:"received_byte_count"`
}

// Error is the failure reported by OnFailed.
type Error struct {
	Code         ErrorCode
	Message      string
	InternalCode int
}

func (e *Error) Error() string {
	return e.Message
}

// ErrorCode classifies request failures.
type ErrorCode int

const (
	ErrorCallback ErrorCode = iota + 1
	ErrorHostnameNotResolved
	ErrorInternetDisconnected
	ErrorNetworkChanged
	ErrorTimedOut
	ErrorConnectionClosed
	ErrorConnectionTimedOut
	ErrorConnectionRefused
	ErrorConnectionReset
	ErrorAddressUnreachable
	ErrorQUICProtocolFailed
	ErrorOther
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCallback:             "callback",
	ErrorHostnameNotResolved:  "hostname_not_resolved",
	ErrorInternetDisconnected: "internet_disconnected",
	ErrorNetworkChanged:       "network_changed",
	ErrorTimedOut:             "timed_out",
	ErrorConnectionClosed:     "connection_closed",
	ErrorConnectionTimedOut:   "connection_timed_out",
	ErrorConnectionRefused:    "connection_refused",
	ErrorConnectionReset:      "connection_reset",
	ErrorAddressUnreachable:   "address_unreachable",
	ErrorQUICProtocolFailed:   "quic_protocol_failed",
	ErrorOther:                "other",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return "unknown"
}

// Capabilities describes an engine.
type Capabilities struct {
	Name           string   `json:"name"`
	Protocols      []string `json:"protocols"`
	SupportsUpload bool     `json:"supports_upload"`
	SupportsProxy  bool     `json:"supports_proxy"`
	Streaming      bool     `json:"streaming"`
}
