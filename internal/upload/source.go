// Package upload provides the request body provider handed to the engine.
package upload

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/netbridge/internal/backend"
)

var (
	// ErrBufferTooSmall is reported when the engine offers a zero-size buffer.
	ErrBufferTooSmall = errors.New("upload read buffer has no capacity")

	// ErrClosed is reported for reads and rewinds after Close.
	ErrClosed = errors.New("upload source closed")

	// ErrRewindUnsupported is reported by Rewind on a source built WithoutRewind.
	ErrRewindUnsupported = errors.New("upload source cannot rewind")
)

// Option configures a Source.
type Option func(*Source)

// WithoutRewind makes Rewind fail instead of resetting the offset.
func WithoutRewind() Option {
	return func(s *Source) {
		s.rewindable = false
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

// Source serves an in-memory body in chunks sized by the engine's buffer.
// The body is never modified. Delivered bytes never exceed Length.
type Source struct {
	logger     *slog.Logger
	rewindable bool
	length     int64

	mu      sync.Mutex
	body    []byte
	offset  int64
	closed  bool
	rewinds int
}

var _ backend.UploadDataProvider = (*Source)(nil)

// New creates a Source over body.
func New(body []byte, opts ...Option) *Source {
	s := &Source{
		body:       body,
		length:     int64(len(body)),
		rewindable: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return s
}

// Length returns the total body length.
func (s *Source) Length() int64 {
	return s.length
}

// Read copies the next chunk into buf and reports it to sink.
func (s *Source) Read(sink backend.UploadDataSink, buf *backend.Buffer) {
	if buf == nil || buf.Size() == 0 {
		sink.OnReadError(ErrBufferTooSmall)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sink.OnReadError(ErrClosed)
		return
	}
	n := copy(buf.Data(), s.body[s.offset:])
	s.offset += int64(n)
	final := s.offset == s.length
	s.mu.Unlock()

	sink.OnReadSucceeded(n, final)
}

// Rewind resets the read offset so the body can be sent again.
func (s *Source) Rewind(sink backend.UploadDataSink) {
	if !s.rewindable {
		sink.OnRewindError(ErrRewindUnsupported)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sink.OnRewindError(ErrClosed)
		return
	}
	s.offset = 0
	s.rewinds++
	s.mu.Unlock()

	sink.OnRewindSucceeded()
}

// Close releases the body. Only the first call has an effect.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("upload source closed twice")
		return
	}
	s.closed = true
	s.body = nil
}

// Delivered returns the number of bytes handed out since the last rewind.
func (s *Source) Delivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Rewinds returns how many times the source was rewound.
func (s *Source) Rewinds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewinds
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
