package httpengine

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/seantiz/netbridge/internal/backend"
)

// classify maps a transport error to an engine error code.
func classify(err error) *backend.Error {
	code := backend.ErrorOther
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = backend.ErrorTimedOut
	case errors.As(err, &dnsErr):
		code = backend.ErrorHostnameNotResolved
	case errors.Is(err, syscall.ECONNREFUSED):
		code = backend.ErrorConnectionRefused
	case errors.Is(err, syscall.ECONNRESET):
		code = backend.ErrorConnectionReset
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		code = backend.ErrorAddressUnreachable
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		code = backend.ErrorConnectionClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		code = backend.ErrorConnectionTimedOut
	}
	return &backend.Error{Code: code, Message: err.Error()}
}
