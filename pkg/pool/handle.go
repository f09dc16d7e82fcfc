package pool

import (
	"sync"
	"sync/atomic"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Handle is a pooled execution resource. Its state field is the only thing the
// hot path touches: checkout is a single compare-and-swap Ready -> Active.
type Handle struct {
	key  string
	spec domain.ResourceSpec

	state      atomic.Uint32 // domain.HandleState
	lastActive atomic.Int64  // unix nanos of the last checkout or release
	waiters    atomic.Int32  // callers blocked on this handle

	// resource is written only by the goroutine that moved the handle into
	// Loading or Unloading, and read by the caller that won the checkout CAS.
	resource any

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every state change that may unblock waiters
}

func newHandle(spec domain.ResourceSpec) *Handle {
	return &Handle{
		key:     spec.Key(),
		spec:    spec,
		changed: make(chan struct{}),
	}
}

// Key returns the cache key of the handle.
func (h *Handle) Key() string { return h.key }

// Spec returns the resource spec the handle was built from.
func (h *Handle) Spec() domain.ResourceSpec { return h.spec }

// State returns the current lifecycle state.
func (h *Handle) State() domain.HandleState { return domain.HandleState(h.state.Load()) }

// Resource returns the constructed resource. Only meaningful while checked out.
func (h *Handle) Resource() any { return h.resource }

func (h *Handle) cas(from, to domain.HandleState) bool {
	return h.state.CompareAndSwap(uint32(from), uint32(to))
}

func (h *Handle) set(s domain.HandleState) {
	h.state.Store(uint32(s))
}

// waitCh returns the channel that is closed on the next broadcast.
// Callers must fetch it before re-checking state to avoid lost wakeups.
func (h *Handle) waitCh() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

func (h *Handle) broadcast() {
	h.mu.Lock()
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}
