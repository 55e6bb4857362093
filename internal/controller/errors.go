package controller

import (
	"errors"
	"fmt"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/model"
)

var (
	// ErrRequestFailed matches every *RequestError.
	ErrRequestFailed = errors.New("request failed")

	// ErrCanceled is returned by Wait for a canceled request. A denied
	// redirect is a cancellation too and matches it through *RedirectError.
	ErrCanceled = errors.New("request canceled")

	// ErrMalformedCallback is wrapped by the panic value raised when the
	// engine breaks the callback contract.
	ErrMalformedCallback = errors.New("malformed engine callback")
)

// RequestError is the outcome of a request that ended in OnFailed.
type RequestError struct {
	RequestID string
	Message   string
	Code      backend.ErrorCode
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed: %s", e.RequestID, e.Message)
}

func (e *RequestError) Unwrap() error {
	return ErrRequestFailed
}

// RedirectError is returned by Wait when a redirect was received and the
// request was not allowed to follow it.
type RedirectError struct {
	URL        string
	Location   string
	StatusCode int
	Headers    model.Headers
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect %d to %s not followed", e.StatusCode, e.Location)
}

func (e *RedirectError) Unwrap() error {
	return ErrCanceled
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedCallback, fmt.Sprintf(format, args...))
}
