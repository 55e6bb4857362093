package controller_test

import (
	"errors"
	"testing"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/backend/backendtest"
	"github.com/seantiz/netbridge/internal/controller"
	"github.com/seantiz/netbridge/internal/model"
)

// fakeRequest counts the follow-up calls a controller makes.
type fakeRequest struct {
	reads   int
	follows int
	cancels int
	readErr error
}

func (f *fakeRequest) Start() error               { return nil }
func (f *fakeRequest) Read(*backend.Buffer) error { f.reads++; return f.readErr }
func (f *fakeRequest) FollowRedirect() error      { f.follows++; return nil }
func (f *fakeRequest) Cancel()                    { f.cancels++ }
func (f *fakeRequest) IsDone() bool               { return false }

func expectMalformed(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		p := recover()
		err, ok := p.(error)
		if !ok || !errors.Is(err, controller.ErrMalformedCallback) {
			t.Fatalf("recovered %v, want error wrapping ErrMalformedCallback", p)
		}
	}()
	fn()
}

func info(code int) *backend.ResponseInfo {
	return &backend.ResponseInfo{URL: "http://example.test/", StatusCode: code}
}

func TestRedirectDecisionIsSynchronous(t *testing.T) {
	req := &fakeRequest{}
	c := controller.New("r", nil)
	c.MarkStarted()
	c.OnRedirectReceived(req, info(302), "http://example.test/next")
	if req.follows != 1 || req.cancels != 0 {
		t.Errorf("follow policy: follows=%d cancels=%d", req.follows, req.cancels)
	}
	if c.State() != model.StatusStarted {
		t.Errorf("state after follow = %s, want started", c.State())
	}

	deny := &fakeRequest{}
	d := controller.New("d", nil, controller.WithFollowRedirects(false))
	d.MarkStarted()
	d.OnRedirectReceived(deny, info(302), "http://example.test/next")
	if deny.follows != 0 || deny.cancels != 1 {
		t.Errorf("deny policy: follows=%d cancels=%d", deny.follows, deny.cancels)
	}
}

func TestResponseStartedIssuesFirstRead(t *testing.T) {
	req := &fakeRequest{}
	c := controller.New("r", nil)
	c.MarkStarted()
	c.OnResponseStarted(req, info(200))
	if req.reads != 1 {
		t.Fatalf("reads after response started = %d, want 1", req.reads)
	}
	if c.State() != model.StatusReading {
		t.Errorf("state = %s, want reading", c.State())
	}

	buf := backend.NewBuffer(4)
	copy(buf.Data(), "abcd")
	c.OnReadCompleted(req, info(200), buf, 2)
	if req.reads != 2 {
		t.Errorf("reads after read completed = %d, want 2", req.reads)
	}
	if got := c.Summary().BytesReceived; got != 2 {
		t.Errorf("BytesReceived = %d, want 2", got)
	}
}

func TestRefusedReadCancels(t *testing.T) {
	req := &fakeRequest{readErr: backend.ErrRequestDone}
	c := controller.New("r", nil)
	c.MarkStarted()
	c.OnResponseStarted(req, info(200))
	if req.cancels != 1 {
		t.Errorf("cancels = %d, want 1 after a refused read", req.cancels)
	}
}

func TestMalformedCallbacksPanic(t *testing.T) {
	req := &fakeRequest{}

	t.Run("read before response", func(t *testing.T) {
		c := controller.New("r", nil)
		c.MarkStarted()
		expectMalformed(t, func() { c.OnReadCompleted(req, nil, backend.NewBuffer(4), 1) })
	})
	t.Run("bytes past buffer", func(t *testing.T) {
		c := controller.New("r", nil)
		c.MarkStarted()
		c.OnResponseStarted(req, info(200))
		expectMalformed(t, func() { c.OnReadCompleted(req, nil, backend.NewBuffer(4), 5) })
	})
	t.Run("nil request", func(t *testing.T) {
		c := controller.New("r", nil)
		expectMalformed(t, func() { c.OnSucceeded(nil, nil) })
	})
	t.Run("nil response info", func(t *testing.T) {
		c := controller.New("r", nil)
		expectMalformed(t, func() { c.OnResponseStarted(req, nil) })
	})
	t.Run("failed without error", func(t *testing.T) {
		c := controller.New("r", nil)
		expectMalformed(t, func() { c.OnFailed(req, nil, nil) })
	})
	t.Run("succeeded before response", func(t *testing.T) {
		c := controller.New("r", nil)
		c.MarkStarted()
		expectMalformed(t, func() { c.OnSucceeded(req, nil) })
	})
}

func TestCallbacksAfterTerminalAreDropped(t *testing.T) {
	req := &fakeRequest{}
	rec := backendtest.NewRecorder()
	c := controller.New("r", rec)
	c.MarkStarted()
	c.OnCanceled(req, nil)

	c.OnSucceeded(req, nil)
	c.OnFailed(req, nil, &backend.Error{Message: "late"})
	c.OnResponseStarted(req, info(200))
	c.OnRedirectReceived(req, info(301), "http://example.test/late")

	if got := rec.Types(); len(got) != 1 || got[0] != model.EventCanceled {
		t.Errorf("events = %v, want only canceled", got)
	}
	if c.Outcome() != controller.OutcomeCanceled {
		t.Errorf("outcome = %v, want canceled", c.Outcome())
	}
	if req.reads != 0 || req.follows != 0 || req.cancels != 0 {
		t.Errorf("late callbacks triggered engine calls: %+v", req)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := map[controller.Outcome]string{
		controller.OutcomePending:   "pending",
		controller.OutcomeSucceeded: model.StatusSucceeded,
		controller.OutcomeFailed:    model.StatusFailed,
		controller.OutcomeCanceled:  model.StatusCanceled,
	}
	for o, want := range tests {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(o), o.String(), want)
		}
	}
}
