package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/executor"
)

const uploadChunkSize = 32 << 10

// sinkResult is the answer to one provider call.
type sinkResult struct {
	n      int
	final  bool
	err    error
	rewind bool
}

// uploadSink forwards provider answers to the waiting I/O goroutine.
type uploadSink struct {
	results chan sinkResult
}

func (s *uploadSink) OnReadSucceeded(n int, final bool) {
	s.results <- sinkResult{n: n, final: final}
}

func (s *uploadSink) OnReadError(err error) {
	s.results <- sinkResult{err: err}
}

func (s *uploadSink) OnRewindSucceeded() {
	s.results <- sinkResult{rewind: true}
}

func (s *uploadSink) OnRewindError(err error) {
	s.results <- sinkResult{err: err}
}

// errUploadReleased is returned by a Read after the transport closed the body.
var errUploadReleased = errors.New("upload body already closed")

// uploadReader is one hop's view of the upload, adapting an
// UploadDataProvider to io.ReadCloser. Provider calls are posted to the
// request executor; the reader blocks until its sink answers. Each hop gets a
// fresh reader and sink, so a transport still writing the previous hop never
// shares state with the next one.
type uploadReader struct {
	ctx      context.Context
	provider backend.UploadDataProvider
	exec     backend.Executor
	sink     *uploadSink
	buf      *backend.Buffer
	size     int64

	// mu serializes Read and Close. Once Close returns, no Read is running
	// and none will touch the provider again.
	mu       sync.Mutex
	pending  []byte
	final    bool
	sent     int64
	released chan struct{}
}

func newUploadReader(ctx context.Context, p backend.UploadDataProvider, exec backend.Executor) *uploadReader {
	return &uploadReader{
		ctx:      ctx,
		provider: p,
		exec:     exec,
		sink:     &uploadSink{results: make(chan sinkResult, 1)},
		buf:      backend.NewBuffer(uploadChunkSize),
		size:     p.Length(),
		released: make(chan struct{}),
	}
}

func (u *uploadReader) length() int64 {
	return u.size
}

func (u *uploadReader) Read(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	select {
	case <-u.released:
		return 0, errUploadReleased
	default:
	}
	if len(u.pending) > 0 {
		n := copy(p, u.pending)
		u.pending = u.pending[n:]
		return n, nil
	}
	if u.final {
		return 0, io.EOF
	}

	res, err := u.call(func() { u.provider.Read(u.sink, u.buf) })
	if err != nil {
		return 0, err
	}
	if res.err != nil {
		return 0, fmt.Errorf("upload read: %w", res.err)
	}
	if res.rewind {
		return 0, errors.New("upload read: provider answered a read with a rewind")
	}
	if res.n < 0 || res.n > u.buf.Size() {
		return 0, fmt.Errorf("upload read: provider reported %d bytes for a %d byte buffer", res.n, u.buf.Size())
	}
	u.sent += int64(res.n)
	if u.sent > u.size {
		return 0, fmt.Errorf("upload read: provider sent %d bytes, length is %d", u.sent, u.size)
	}
	u.final = res.final

	u.pending = append(u.pending[:0], u.buf.Data()[:res.n]...)
	n := copy(p, u.pending)
	u.pending = u.pending[n:]
	if n == 0 && u.final {
		return 0, io.EOF
	}
	return n, nil
}

// Close is called by the transport when it is done with the body, possibly
// from its own goroutine after the round trip returned. It waits for a Read
// in progress and is idempotent.
func (u *uploadReader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	select {
	case <-u.released:
	default:
		close(u.released)
	}
	return nil
}

// done is closed once the transport has closed the body.
func (u *uploadReader) done() <-chan struct{} {
	return u.released
}

// rewind resets the provider through this reader's sink. It must run before
// the reader is handed to a transport.
func (u *uploadReader) rewind() error {
	res, err := u.call(func() { u.provider.Rewind(u.sink) })
	if err != nil {
		return err
	}
	if res.err != nil {
		return res.err
	}
	if !res.rewind {
		return errors.New("provider answered a rewind with a read")
	}
	return nil
}

func (u *uploadReader) call(fn func()) (sinkResult, error) {
	if err := u.exec.Post(executor.Func(fn)); err != nil {
		return sinkResult{}, fmt.Errorf("post upload call: %w", err)
	}
	select {
	case res := <-u.sink.results:
		return res, nil
	case <-u.ctx.Done():
		return sinkResult{}, u.ctx.Err()
	}
}
