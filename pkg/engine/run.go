package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/orchestra/pkg/arbitration"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/graph"
	"github.com/aretw0/orchestra/pkg/lease"
	"github.com/aretw0/orchestra/pkg/registry"
)

type nodeState struct {
	status   domain.NodeStatus
	outputs  map[string]domain.ArtifactID
	attempts int
	kind     domain.ErrorKind
	err      string
	started  time.Time
	finished time.Time
}

type nodeResult struct {
	idx      int
	outputs  map[string]domain.ArtifactID
	attempts int
	err      error
	duration time.Duration
}

// run is one scheduling segment of a workflow: from Start or Resume until the
// workflow pauses or ends. Only the driver goroutine changes scheduling state;
// mu lets readers take consistent snapshots.
type run struct {
	id     domain.WorkflowID
	graph  *graph.Compiled
	engine *Engine

	mu         sync.Mutex
	status     domain.WorkflowStatus
	nodes      []nodeState
	remaining  []int // predecessors not yet completed
	ready      []int // ascending
	inflight   int
	failure    *domain.Failure
	requests   map[int]domain.RequestState
	startedAt  time.Time
	finishedAt time.Time
	pauseErr   error

	stopping bool
	pausing  bool
	aborting bool

	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	release lease.Release

	results   chan nodeResult
	stopCh    chan struct{}
	pauseCh   chan struct{}
	stopOnce  sync.Once
	pauseOnce sync.Once
	done      chan struct{}
}

func (e *Engine) newRun(id domain.WorkflowID, c *graph.Compiled) *run {
	n := c.Len()
	r := &run{
		id:        id,
		graph:     c,
		engine:    e,
		status:    domain.WorkflowPending,
		nodes:     make([]nodeState, n),
		remaining: make([]int, n),
		requests:  make(map[int]domain.RequestState),
		results:   make(chan nodeResult, n),
		stopCh:    make(chan struct{}),
		pauseCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		r.remaining[i] = len(c.Predecessors(i))
		r.nodes[i].status = domain.NodePending
		if r.remaining[i] == 0 {
			r.nodes[i].status = domain.NodeReady
			r.ready = append(r.ready, i)
		}
	}
	return r
}

// launch starts the driver. The run outlives parent's cancellation but keeps its values.
func (r *run) launch(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ctx, span := tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", string(r.id)),
		attribute.Int("workflow.nodes", r.graph.Len()),
	))
	r.ctx, r.cancel, r.span = ctx, cancel, span
	go r.drive()
}

func (r *run) drive() {
	defer close(r.done)
	stop, pause := r.stopCh, r.pauseCh

	for {
		r.mu.Lock()
		r.dispatchReady()
		if r.inflight == 0 && r.settled() {
			events, cp := r.finish()
			r.mu.Unlock()
			r.emitNodes(events)
			r.finalize(cp)
			return
		}
		r.mu.Unlock()

		select {
		case res := <-r.results:
			r.mu.Lock()
			events := r.complete(res)
			var cp *domain.Checkpoint
			if r.engine.eagerCheckpoint && !r.halting() {
				cp = r.snapshot()
			}
			r.mu.Unlock()
			r.emitNodes(events)
			if cp != nil {
				if err := r.engine.saveCheckpoint(r.ctx, cp); err != nil {
					r.engine.logger.Warn("Failed to save checkpoint", "workflow_id", r.id, "err", err)
				}
			}
		case <-stop:
			stop = nil
			r.mu.Lock()
			r.stopping = true
			r.mu.Unlock()
			r.engine.arbiter.CloseWorkflow(r.id)
			r.cancel()
		case <-pause:
			pause = nil
			r.mu.Lock()
			r.pausing = true
			r.mu.Unlock()
		}
	}
}

func (r *run) halting() bool { return r.stopping || r.pausing || r.aborting }

// settled reports whether the run has nothing left to do. Caller holds mu with inflight == 0.
func (r *run) settled() bool {
	return r.halting() || len(r.ready) == 0
}

func (r *run) dispatchReady() {
	if r.halting() {
		return
	}
	limit := r.engine.maxParallel
	for len(r.ready) > 0 && (limit <= 0 || r.inflight < limit) {
		idx := r.ready[0]
		r.ready = r.ready[1:]
		ns := &r.nodes[idx]
		ns.status = domain.NodeRunning
		ns.started = r.engine.now()
		r.inflight++
		go r.execute(idx, r.inputRefs(idx))
	}
}

// inputRefs maps each fed input port of idx to the artifact its producer emitted.
func (r *run) inputRefs(idx int) map[string]domain.ArtifactID {
	refs := make(map[string]domain.ArtifactID)
	for _, e := range r.graph.Inbound(idx) {
		if e.ToPort == "" {
			continue
		}
		from, _ := r.graph.Index(e.From)
		if id, ok := r.nodes[from].outputs[e.FromPort]; ok {
			refs[e.ToPort] = id
		}
	}
	return refs
}

func (r *run) pushReady(idx int) {
	i := sort.SearchInts(r.ready, idx)
	r.ready = append(r.ready, 0)
	copy(r.ready[i+1:], r.ready[i:])
	r.ready[i] = idx
}

func (r *run) dropReady(idx int) {
	i := sort.SearchInts(r.ready, idx)
	if i < len(r.ready) && r.ready[i] == idx {
		r.ready = append(r.ready[:i], r.ready[i+1:]...)
	}
}

func (r *run) event(t domain.EventType, idx int) domain.Event {
	return domain.Event{Type: t, WorkflowID: r.id, NodeID: r.graph.ID(idx)}
}

// complete applies a worker result. Caller holds mu.
func (r *run) complete(res nodeResult) []domain.Event {
	r.inflight--
	ns := &r.nodes[res.idx]
	ns.attempts = res.attempts
	ns.finished = r.engine.now()

	ev := r.event("", res.idx)
	ev.Attempt = res.attempts
	ev.Duration = res.duration

	switch {
	case res.err == nil:
		ns.status = domain.NodeCompleted
		ns.outputs = res.outputs
		for _, s := range r.graph.Successors(res.idx) {
			r.remaining[s]--
			if r.remaining[s] == 0 && r.nodes[s].status == domain.NodePending {
				r.nodes[s].status = domain.NodeReady
				r.pushReady(s)
			}
		}
		ev.Type = domain.EventNodeCompleted
		ev.Outputs = res.outputs
		return []domain.Event{ev}

	case r.ctx.Err() != nil:
		ns.status = domain.NodeCancelled
		ns.kind = domain.KindCancelled
		ns.err = res.err.Error()
		ev.Type = domain.EventNodeCancelled
		ev.Kind = ns.kind
		return []domain.Event{ev}
	}

	kind := domain.KindOf(res.err)
	ns.status = domain.NodeFailed
	ns.kind = kind
	ns.err = res.err.Error()
	if r.failure == nil {
		r.failure = &domain.Failure{Node: r.graph.ID(res.idx), Kind: kind, Error: ns.err}
	}
	ev.Type = domain.EventNodeFailed
	ev.Kind = kind
	ev.Error = ns.err
	events := append([]domain.Event{ev}, r.skipDependents(res.idx)...)

	node := r.graph.Node(res.idx)
	if node.Policy() == domain.FailurePolicyFail {
		r.aborting = true
		r.cancel()
	}
	r.engine.logger.Warn("Node failed",
		"workflow_id", r.id,
		"node", node.ID,
		"kind", kind,
		"policy", node.Policy(),
		"err", res.err,
	)
	return events
}

// skipDependents marks every node downstream of idx as skipped.
func (r *run) skipDependents(idx int) []domain.Event {
	var events []domain.Event
	for _, d := range r.graph.Descendants(idx) {
		ns := &r.nodes[d]
		if ns.status.IsTerminal() || ns.status == domain.NodeRunning {
			continue
		}
		r.dropReady(d)
		ns.status = domain.NodeSkipped
		ns.kind = domain.KindUpstream
		ns.err = fmt.Sprintf("%v: %s", domain.ErrUpstreamFailed, r.graph.ID(idx))
		ev := r.event(domain.EventNodeSkipped, d)
		ev.Kind = ns.kind
		ev.Error = ns.err
		events = append(events, ev)
	}
	return events
}

func (r *run) cancelRemaining() []domain.Event {
	var events []domain.Event
	for i := range r.nodes {
		ns := &r.nodes[i]
		if ns.status.IsTerminal() {
			continue
		}
		ns.status = domain.NodeCancelled
		ns.kind = domain.KindCancelled
		events = append(events, r.event(domain.EventNodeCancelled, i))
	}
	r.ready = nil
	return events
}

// finish decides the outcome of the segment. Caller holds mu with nothing in flight.
func (r *run) finish() ([]domain.Event, *domain.Checkpoint) {
	r.finishedAt = r.engine.now()
	switch {
	case r.stopping:
		r.status = domain.WorkflowCancelled
		return r.cancelRemaining(), nil
	case r.aborting:
		r.status = domain.WorkflowFailed
		return r.cancelRemaining(), nil
	case r.pausing:
		r.status = domain.WorkflowPaused
		return nil, r.snapshot()
	}
	r.status = domain.WorkflowCompleted
	return nil, nil
}

// finalize runs after the driver released mu for the last time.
func (r *run) finalize(cp *domain.Checkpoint) {
	e := r.engine
	ctx := context.WithoutCancel(r.ctx)

	if cp != nil {
		err := e.saveCheckpoint(ctx, cp)
		if err != nil {
			e.logger.Error("Failed to save pause checkpoint", "workflow_id", r.id, "err", err)
		}
		r.mu.Lock()
		r.pauseErr = err
		r.mu.Unlock()
	} else if err := e.checkpoints.Delete(ctx, r.id); err != nil {
		e.logger.Warn("Failed to delete checkpoint", "workflow_id", r.id, "err", err)
	}

	e.arbiter.ReleaseWorkflow(r.id)
	e.arbiter.Reopen(r.id)
	if r.release != nil {
		r.release()
	}

	r.mu.Lock()
	status, failure := r.status, r.failure
	took := r.finishedAt.Sub(r.startedAt)
	r.mu.Unlock()

	ev := domain.Event{WorkflowID: r.id, Duration: took}
	switch status {
	case domain.WorkflowCompleted:
		ev.Type = domain.EventWorkflowCompleted
	case domain.WorkflowFailed:
		ev.Type = domain.EventWorkflowFailed
	case domain.WorkflowCancelled:
		ev.Type = domain.EventWorkflowCancelled
	case domain.WorkflowPaused:
		ev.Type = domain.EventWorkflowPaused
	}
	if failure != nil {
		ev.NodeID, ev.Kind, ev.Error = failure.Node, failure.Kind, failure.Error
	}

	if status == domain.WorkflowFailed {
		r.span.SetStatus(codes.Error, ev.Error)
	}
	r.span.SetAttributes(attribute.String("workflow.status", string(status)))
	r.span.End()
	r.cancel()

	e.logger.Info("Workflow finished", "workflow_id", r.id, "status", status, "duration", took)
	e.emitWorkflow(ctx, ev)
}

func (r *run) emitNodes(events []domain.Event) {
	for _, ev := range events {
		r.engine.emitNode(r.ctx, ev)
	}
}

// execute runs one node to a result, retrying retryable failures.
func (r *run) execute(idx int, refs map[string]domain.ArtifactID) {
	e := r.engine
	node := r.graph.Node(idx)
	start := e.now()
	res := nodeResult{idx: idx}

	ctx, span := tracer.Start(r.ctx, "node.execute", trace.WithAttributes(
		attribute.String("workflow.id", string(r.id)),
		attribute.String("node.id", string(node.ID)),
		attribute.String("node.kind", string(node.ExecKind())),
	))
	defer func() {
		res.duration = e.now().Sub(start)
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.SetAttributes(attribute.Int("node.attempts", res.attempts))
		span.End()
		r.results <- res
	}()

	d, err := e.resolve(node)
	if err != nil {
		res.err = err
		return
	}
	timeout, _ := node.TimeoutDuration()
	limit := e.retry.limit(node)

	for attempt := 1; ; attempt++ {
		res.attempts = attempt
		ev := r.event(domain.EventNodeStarted, idx)
		ev.Attempt = attempt
		e.emitNode(ctx, ev)

		outputs, err := r.attempt(ctx, idx, node, d, refs, timeout, attempt)
		if err == nil {
			res.outputs = outputs
			return
		}
		if !domain.IsRetryable(err) || attempt > limit || ctx.Err() != nil {
			res.err = err
			return
		}
		delay := e.retry.Delay(attempt - 1)
		e.logger.Warn("Retrying node", "workflow_id", r.id, "node", node.ID, "attempt", attempt, "delay", delay, "err", err)
		if sleepCtx(ctx, delay) != nil {
			res.err = err
			return
		}
	}
}

func (r *run) attempt(ctx context.Context, idx int, node domain.Node, d dispatcher, refs map[string]domain.ArtifactID, timeout time.Duration, attempt int) (map[string]domain.ArtifactID, error) {
	release, resource, err := r.acquire(ctx, idx, node)
	if err != nil {
		return nil, err
	}
	defer release()

	inputs, err := r.loadInputs(ctx, refs)
	if err != nil {
		return nil, err
	}

	nctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := d.dispatch(nctx, registry.Task{
		Workflow:  r.id,
		Node:      node,
		Attempt:   attempt,
		Inputs:    inputs,
		InputRefs: refs,
		Resource:  resource,
	})
	if err != nil {
		if timeout > 0 && ctx.Err() == nil && errors.Is(nctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrNodeTimeout, node.ID, timeout)
		}
		return nil, err
	}
	return r.persist(ctx, node, out)
}

// acquire obtains the arbitration grant and then the pooled handle a node needs.
// The returned func gives both back.
func (r *run) acquire(ctx context.Context, idx int, node domain.Node) (func(), any, error) {
	if node.Resource == nil {
		return func() {}, nil, nil
	}
	e := r.engine
	class := node.Resource.ClassName()

	ticket, err := r.grant(ctx, idx, node, class)
	if err != nil {
		return nil, nil, err
	}
	giveBack := func() {
		e.arbiter.Release(ticket)
		r.untrack(idx)
	}
	if e.pool == nil {
		return giveBack, nil, nil
	}

	h, err := e.pool.Allocate(ctx, node.Resource.Spec)
	if err != nil {
		giveBack()
		return nil, nil, err
	}
	return func() {
		if err := e.pool.Release(h); err != nil {
			e.logger.Warn("Failed to release handle", "workflow_id", r.id, "node", node.ID, "err", err)
		}
		giveBack()
	}, h.Resource(), nil
}

// grant requests a slot of class, waiting in the queue if needed. A full queue
// is retried after a backoff; other denials fail the attempt.
func (r *run) grant(ctx context.Context, idx int, node domain.Node, class string) (*arbitration.Ticket, error) {
	e := r.engine
	req := arbitration.Request{Workflow: r.id, Node: node.ID, Class: class}

	for denials := 0; ; denials++ {
		res := e.arbiter.Request(req)
		switch res.Outcome {
		case arbitration.Granted:
			r.track(idx, class, true, 0)
			return res.Ticket, nil

		case arbitration.Queued:
			r.track(idx, class, false, res.Position)
			e.emitNode(ctx, r.event(domain.EventNodeQueued, idx))
			if err := e.arbiter.Wait(ctx, res.Ticket); err != nil {
				r.untrack(idx)
				return nil, err
			}
			r.track(idx, class, true, 0)
			return res.Ticket, nil
		}

		if res.Reason != arbitration.ReasonQueueFull {
			return nil, res.Err()
		}
		if err := sleepCtx(ctx, e.retry.Delay(denials)); err != nil {
			return nil, err
		}
	}
}

func (r *run) track(idx int, class string, granted bool, position int) {
	r.mu.Lock()
	r.requests[idx] = domain.RequestState{Node: r.graph.ID(idx), Class: class, Granted: granted, Position: position}
	r.mu.Unlock()
}

func (r *run) untrack(idx int) {
	r.mu.Lock()
	delete(r.requests, idx)
	r.mu.Unlock()
}

func (r *run) loadInputs(ctx context.Context, refs map[string]domain.ArtifactID) (map[string][]byte, error) {
	inputs := make(map[string][]byte, len(refs))
	for port, id := range refs {
		data, err := r.engine.artifacts.Retrieve(ctx, id)
		if err != nil {
			return nil, err
		}
		inputs[port] = data
	}
	return inputs, nil
}

// persist stores every output and returns their artifact IDs.
// A declared output port the executor did not fill fails the node.
func (r *run) persist(ctx context.Context, node domain.Node, out map[string]registry.Output) (map[string]domain.ArtifactID, error) {
	for _, p := range node.Outputs {
		if _, ok := out[p.Name]; !ok {
			return nil, fmt.Errorf("node %s: output port %q not produced", node.ID, p.Name)
		}
	}

	ports := make([]string, 0, len(out))
	for p := range out {
		ports = append(ports, p)
	}
	sort.Strings(ports)

	refs := make(map[string]domain.ArtifactID, len(out))
	for _, p := range ports {
		o := out[p]
		id, err := r.engine.artifacts.Store(ctx, o.Data, domain.ArtifactMeta{
			ContentType:      o.ContentType,
			Producer:         string(r.id) + "/" + string(node.ID),
			Confidence:       o.Confidence,
			ValidationPasses: o.ValidationPasses,
			Metadata:         o.Metadata,
		})
		if err != nil {
			return nil, err
		}
		refs[p] = id
	}
	return refs, nil
}
