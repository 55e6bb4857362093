package engine

import (
	"context"
	"sync"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/controller"
	"github.com/seantiz/netbridge/internal/model"
)

// Handle refers to one started request.
type Handle struct {
	id   string
	ctrl *controller.Controller

	mu       sync.Mutex
	req      backend.Request
	canceled bool
}

// ID returns the request ID.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the request is terminal and released.
func (h *Handle) Done() <-chan struct{} {
	return h.ctrl.Done()
}

// State returns the request's current lifecycle state.
func (h *Handle) State() string {
	return h.ctrl.State()
}

// Summary returns a snapshot of the request's progress.
func (h *Handle) Summary() controller.Summary {
	return h.ctrl.Summary()
}

// Wait blocks until the request is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*model.Response, error) {
	return h.ctrl.Wait(ctx)
}

// Cancel asks the engine to cancel the request. It is safe to call at any
// time and more than once; a request that is already terminal is unaffected.
// A cancel that arrives before the engine request exists is applied as soon
// as it is started.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.canceled = true
	req := h.req
	h.mu.Unlock()

	if req == nil || model.IsTerminal(h.ctrl.State()) {
		return
	}
	req.Cancel()
}

// attach records the engine request and reports whether a cancel was asked
// for before it existed.
func (h *Handle) attach(req backend.Request) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.req = req
	return h.canceled
}
