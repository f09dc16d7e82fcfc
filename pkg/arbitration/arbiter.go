// Package arbitration resolves contention between workflows for shared resource classes.
//
// The arbiter holds queues and policy only; it never touches the resources
// themselves. Each class has a capacity (1 means exclusive) and a FIFO queue.
// A queued request may be bumped ahead of an older one whose workflow already
// holds its quota of grants in that class, and a request can be bumped at most
// quota times, so no request waits behind more than quota younger grants.
package arbitration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/domain"
)

// Outcome is the kind of Resolution.
type Outcome int

const (
	Granted Outcome = iota
	Queued
	Denied
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Queued:
		return "queued"
	case Denied:
		return "denied"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Denial reasons.
const (
	ReasonUnknownClass   = "unknown resource class"
	ReasonQueueFull      = "queue full"
	ReasonWorkflowClosed = "workflow closed"
)

// Request asks for one slot of a resource class on behalf of a node.
type Request struct {
	Workflow domain.WorkflowID
	Node     domain.NodeID
	Class    string
}

// Ticket identifies a request for its whole life: queued, then granted, then released.
type Ticket struct {
	id      uint64
	req     Request
	skipped int
	ready   chan struct{} // closed when granted or dropped
	dropped error
}

// Request returns the request this ticket was issued for.
func (t *Ticket) Request() Request { return t.req }

// Ready is closed once the ticket is granted or dropped.
func (t *Ticket) Ready() <-chan struct{} { return t.ready }

// Resolution is the answer to a Request.
type Resolution struct {
	Outcome  Outcome
	Ticket   *Ticket
	Position int // 1-based queue position when Queued
	Reason   string
}

// Err converts a Denied resolution into an *domain.ArbitrationDenied.
func (r Resolution) Err() error {
	if r.Outcome != Denied {
		return nil
	}
	class := ""
	if r.Ticket != nil {
		class = r.Ticket.req.Class
	}
	return &domain.ArbitrationDenied{Class: class, Reason: r.Reason}
}

// ClassConfig configures a resource class.
type ClassConfig struct {
	Capacity int // concurrent grants; default 1
	MaxQueue int // 0 means unbounded
}

type class struct {
	name    string
	cfg     ClassConfig
	active  map[uint64]*Ticket
	perWF   map[domain.WorkflowID]int
	queue   []*Ticket
	granted uint64
}

// Observer receives queue depth changes. The observability package implements it.
type Observer interface {
	ObserveQueue(class string, depth int)
	ObserveResolution(class string, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) ObserveQueue(string, int)          {}
func (nopObserver) ObserveResolution(string, Outcome) {}

// Arbiter grants resource slots to requests.
type Arbiter struct {
	mu      sync.Mutex
	classes map[string]*class
	closed  map[domain.WorkflowID]bool
	nextID  uint64

	defaults ClassConfig
	quota    int
	strict   bool
	logger   *slog.Logger
	observer Observer
}

// New creates an arbiter. Classes not configured explicitly are created on
// first use with the default configuration unless WithStrictClasses is set.
func New(opts ...Option) *Arbiter {
	a := &Arbiter{
		classes:  make(map[string]*class),
		closed:   make(map[domain.WorkflowID]bool),
		defaults: ClassConfig{Capacity: 1},
		quota:    1,
		logger:   logging.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func normalize(cfg ClassConfig) ClassConfig {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.MaxQueue < 0 {
		cfg.MaxQueue = 0
	}
	return cfg
}

func newClass(name string, cfg ClassConfig) *class {
	return &class{
		name:   name,
		cfg:    normalize(cfg),
		active: make(map[uint64]*Ticket),
		perWF:  make(map[domain.WorkflowID]int),
	}
}

// Configure sets the configuration of a class. Existing grants are kept;
// a larger capacity promotes queued requests immediately.
func (a *Arbiter) Configure(name string, cfg ClassConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.classes[name]
	if !ok {
		a.classes[name] = newClass(name, cfg)
		return
	}
	c.cfg = normalize(cfg)
	a.promote(c)
}

// Request resolves req immediately. A Queued ticket must be waited on with Wait
// or abandoned with Release.
func (a *Arbiter) Request(req Request) Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed[req.Workflow] {
		return a.deny(req, ReasonWorkflowClosed)
	}
	c, ok := a.classes[req.Class]
	if !ok {
		if a.strict {
			return a.deny(req, ReasonUnknownClass)
		}
		c = newClass(req.Class, a.defaults)
		a.classes[req.Class] = c
	}

	a.nextID++
	t := &Ticket{id: a.nextID, req: req, ready: make(chan struct{})}

	if len(c.queue) == 0 && len(c.active) < c.cfg.Capacity {
		a.grant(c, t)
		a.observer.ObserveResolution(c.name, Granted)
		return Resolution{Outcome: Granted, Ticket: t}
	}
	if c.cfg.MaxQueue > 0 && len(c.queue) >= c.cfg.MaxQueue {
		return a.deny(req, ReasonQueueFull)
	}

	c.queue = append(c.queue, t)
	a.observer.ObserveQueue(c.name, len(c.queue))
	a.observer.ObserveResolution(c.name, Queued)
	a.logger.Debug("Request queued", "class", c.name, "workflow", req.Workflow, "node", req.Node, "position", len(c.queue))
	return Resolution{Outcome: Queued, Ticket: t, Position: len(c.queue)}
}

func (a *Arbiter) deny(req Request, reason string) Resolution {
	a.observer.ObserveResolution(req.Class, Denied)
	a.logger.Debug("Request denied", "class", req.Class, "workflow", req.Workflow, "node", req.Node, "reason", reason)
	return Resolution{Outcome: Denied, Ticket: &Ticket{req: req}, Reason: reason}
}

func (a *Arbiter) grant(c *class, t *Ticket) {
	c.active[t.id] = t
	c.perWF[t.req.Workflow]++
	c.granted++
	close(t.ready)
}

// promote fills free capacity from the queue. Caller holds a.mu.
func (a *Arbiter) promote(c *class) {
	changed := false
	for len(c.queue) > 0 && len(c.active) < c.cfg.Capacity {
		i := a.pick(c)
		t := c.queue[i]
		for j := 0; j < i; j++ {
			c.queue[j].skipped++
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		a.grant(c, t)
		changed = true
		a.logger.Debug("Request granted from queue", "class", c.name, "workflow", t.req.Workflow, "node", t.req.Node)
	}
	if changed {
		a.observer.ObserveQueue(c.name, len(c.queue))
	}
}

// pick chooses the queue index to grant next: the oldest request unless its
// workflow is at quota, in which case the first younger request whose workflow
// is under quota. A request already skipped quota times can no longer be passed.
func (a *Arbiter) pick(c *class) int {
	for i, t := range c.queue {
		if t.skipped >= a.quota || c.perWF[t.req.Workflow] < a.quota {
			return i
		}
	}
	return 0
}

// Wait blocks until t is granted or ctx ends. On ctx end the request leaves the queue.
func (a *Arbiter) Wait(ctx context.Context, t *Ticket) error {
	if t == nil || t.ready == nil {
		return &domain.ArbitrationDenied{Reason: "invalid ticket"}
	}
	select {
	case <-t.ready:
		a.mu.Lock()
		err := t.dropped
		a.mu.Unlock()
		return err
	case <-ctx.Done():
		a.Release(t)
		return ctx.Err()
	}
}

// Release gives back a grant or withdraws a queued request. Releasing twice is a no-op.
func (a *Arbiter) Release(t *Ticket) {
	if t == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.release(t)
}

func (a *Arbiter) release(t *Ticket) {
	c, ok := a.classes[t.req.Class]
	if !ok {
		return
	}
	if _, held := c.active[t.id]; held {
		delete(c.active, t.id)
		c.perWF[t.req.Workflow]--
		if c.perWF[t.req.Workflow] <= 0 {
			delete(c.perWF, t.req.Workflow)
		}
		a.promote(c)
		return
	}
	for i, q := range c.queue {
		if q.id == t.id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			a.observer.ObserveQueue(c.name, len(c.queue))
			return
		}
	}
}

// ReleaseWorkflow drops every grant and queued request held by wf.
// Queued waiters are woken with an ArbitrationDenied error. Call it only once
// nothing of wf is running.
func (a *Arbiter) ReleaseWorkflow(wf domain.WorkflowID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropQueued(wf) + a.dropActive(wf)
}

// dropQueued wakes every queued request of wf with a denial. Caller holds a.mu.
func (a *Arbiter) dropQueued(wf domain.WorkflowID) int {
	n := 0
	for _, c := range a.classes {
		kept := c.queue[:0]
		for _, t := range c.queue {
			if t.req.Workflow == wf {
				t.dropped = &domain.ArbitrationDenied{Class: c.name, Reason: ReasonWorkflowClosed}
				close(t.ready)
				n++
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) != len(c.queue) {
			c.queue = kept
			a.observer.ObserveQueue(c.name, len(c.queue))
		}
	}
	return n
}

// dropActive forgets every grant wf holds and refills the freed slots. Caller holds a.mu.
func (a *Arbiter) dropActive(wf domain.WorkflowID) int {
	n := 0
	for _, c := range a.classes {
		for id, t := range c.active {
			if t.req.Workflow == wf {
				delete(c.active, id)
				n++
			}
		}
		delete(c.perWF, wf)
		a.promote(c)
	}
	return n
}

// CloseWorkflow denies wf's queued and future requests. Grants wf still holds
// stay active until their holders Release them, so an exclusive class is never
// handed to another workflow while a cancelled node is still winding down.
func (a *Arbiter) CloseWorkflow(wf domain.WorkflowID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed[wf] = true
	return a.dropQueued(wf)
}

// Reopen lets a closed workflow request resources again (used when resuming).
func (a *Arbiter) Reopen(wf domain.WorkflowID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.closed, wf)
}

// Outstanding reports how many grants and queued requests wf holds.
func (a *Arbiter) Outstanding(wf domain.WorkflowID) (granted, queued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.classes {
		granted += c.perWF[wf]
		for _, t := range c.queue {
			if t.req.Workflow == wf {
				queued++
			}
		}
	}
	return granted, queued
}

// ClassStats is a snapshot of one class.
type ClassStats struct {
	Class    string
	Capacity int
	Active   int
	Queued   int
	Granted  uint64
}

// Stats returns a snapshot of every known class.
func (a *Arbiter) Stats() []ClassStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ClassStats, 0, len(a.classes))
	for _, c := range a.classes {
		out = append(out, ClassStats{
			Class:    c.name,
			Capacity: c.cfg.Capacity,
			Active:   len(c.active),
			Queued:   len(c.queue),
			Granted:  c.granted,
		})
	}
	return out
}
