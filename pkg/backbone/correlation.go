package backbone

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRequestExpired is delivered to a pending request that timed out.
var ErrRequestExpired = errors.New("request expired")

// Reply is what a pending request receives: the answering message, or the
// reason no usable answer arrived.
type Reply struct {
	Msg Message
	Err error
}

type pending struct {
	ch       chan Reply
	deadline time.Time
}

// Correlator matches responses to outstanding requests by ID.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]pending
	now     func() time.Time
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]pending), now: time.Now}
}

// NewID returns a fresh correlation ID.
func NewID() string { return uuid.NewString() }

// Register tracks id until it is resolved or timeout passes. The returned
// channel receives exactly one reply and is then abandoned.
func (c *Correlator) Register(id string, timeout time.Duration) <-chan Reply {
	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.pending[id] = pending{ch: ch, deadline: c.now().Add(timeout)}
	c.mu.Unlock()
	return ch
}

// Resolve delivers r to the request it answers. It reports false for unknown
// or already resolved IDs.
func (c *Correlator) Resolve(id string, r Reply) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- r
	return true
}

// Forget drops id without delivering anything.
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CleanupExpired fails requests past their deadline with ErrRequestExpired
// and returns how many.
func (c *Correlator) CleanupExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, p := range c.pending {
		if now.After(p.deadline) {
			delete(c.pending, id)
			p.ch <- Reply{Err: ErrRequestExpired}
			n++
		}
	}
	return n
}

// FailAll fails every pending request with err. Used when a connection dies.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	for id, p := range c.pending {
		delete(c.pending, id)
		p.ch <- Reply{Err: err}
	}
	return n
}
