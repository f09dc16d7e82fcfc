package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/adapters/memory"
	"github.com/aretw0/orchestra/pkg/arbitration"
	"github.com/aretw0/orchestra/pkg/artifact"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/graph"
	"github.com/aretw0/orchestra/pkg/lease"
	"github.com/aretw0/orchestra/pkg/pool"
	"github.com/aretw0/orchestra/pkg/ports"
	"github.com/aretw0/orchestra/pkg/registry"
)

var tracer = otel.Tracer("github.com/aretw0/orchestra/pkg/engine")

// Engine schedules workflows. It is safe for concurrent use; every workflow
// runs on its own driver goroutine.
type Engine struct {
	registry        *registry.Registry
	arbiter         *arbitration.Arbiter
	pool            *pool.Manager
	artifacts       *artifact.Store
	remote          Invoker
	checkpoints     ports.CheckpointStore
	leases          *lease.Manager
	hooks           []domain.LifecycleHooks
	logger          *slog.Logger
	retry           RetryPolicy
	maxParallel     int
	eagerCheckpoint bool
	now             func() time.Time

	mu   sync.RWMutex
	runs map[domain.WorkflowID]*run
}

// New creates an engine. Unset collaborators default to in-memory instances.
func New(opts ...Option) *Engine {
	e := &Engine{
		runs:   make(map[domain.WorkflowID]*run),
		logger: logging.NewNop(),
		retry:  DefaultRetryPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = registry.NewRegistry()
	}
	if e.arbiter == nil {
		e.arbiter = arbitration.New(arbitration.WithLogger(e.logger))
	}
	if e.artifacts == nil {
		e.artifacts = artifact.New(artifact.WithLogger(e.logger))
	}
	if e.checkpoints == nil {
		e.checkpoints = memory.NewStore()
	}
	if e.leases == nil {
		e.leases = lease.New(lease.WithLogger(e.logger))
	}
	return e
}

// Registry returns the in-process handler registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Artifacts returns the artifact store outputs are written to.
func (e *Engine) Artifacts() *artifact.Store { return e.artifacts }

// Arbiter returns the arbiter granting resource slots.
func (e *Engine) Arbiter() *arbitration.Arbiter { return e.arbiter }

// Pool returns the resource pool, or nil when none is configured.
func (e *Engine) Pool() *pool.Manager { return e.pool }

// Register adds an in-process handler.
func (e *Engine) Register(name string, h registry.Handler) { e.registry.Register(name, h) }

func (e *Engine) lookup(id domain.WorkflowID) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	return r, nil
}

// Submit validates wf and registers a Pending instance of it. wf itself is not
// retained; submitting it again creates a new instance with a new ID.
func (e *Engine) Submit(ctx context.Context, wf *domain.Workflow) (domain.WorkflowID, domain.WorkflowStatus, error) {
	if wf == nil {
		return "", "", domain.NewGraphError(domain.ErrEmptyWorkflow, "nil workflow")
	}
	inst := wf.Clone()
	c, err := graph.Compile(inst)
	if err != nil {
		return "", "", err
	}

	stored := wf.ID != "" && e.hasCheckpoint(ctx, wf.ID)

	e.mu.Lock()
	_, taken := e.runs[wf.ID]
	switch {
	case wf.ID == "":
		inst.ID = domain.WorkflowID(uuid.NewString())
	case stored || taken:
		inst.ID = wf.ID + "-" + domain.WorkflowID(uuid.NewString()[:8])
	}
	r := e.newRun(inst.ID, c)
	e.runs[inst.ID] = r
	e.mu.Unlock()

	e.logger.Debug("Workflow submitted", "workflow_id", inst.ID, "nodes", c.Len())
	e.emitWorkflow(ctx, domain.Event{Type: domain.EventWorkflowSubmitted, WorkflowID: inst.ID})
	return inst.ID, domain.WorkflowPending, nil
}

func (e *Engine) hasCheckpoint(ctx context.Context, id domain.WorkflowID) bool {
	_, err := e.checkpoints.Load(ctx, id)
	return err == nil || errors.Is(err, domain.ErrCheckpointCorrupt)
}

// Start begins scheduling a Pending workflow and returns without waiting.
// It blocks only while acquiring the workflow lease.
func (e *Engine) Start(ctx context.Context, id domain.WorkflowID) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	release, err := e.leases.Acquire(ctx, string(id))
	if err != nil {
		return fmt.Errorf("workflow %s: %w", id, err)
	}

	r.mu.Lock()
	if r.status != domain.WorkflowPending {
		st := r.status
		r.mu.Unlock()
		release()
		return fmt.Errorf("%w: workflow %s is %s", domain.ErrInvalidTransition, id, st)
	}
	r.status = domain.WorkflowRunning
	r.startedAt = e.now()
	r.release = release
	r.mu.Unlock()

	e.logger.Info("Workflow started", "workflow_id", id, "nodes", r.graph.Len())
	e.emitWorkflow(ctx, domain.Event{Type: domain.EventWorkflowStarted, WorkflowID: id})

	r.mu.Lock()
	r.launch(ctx)
	r.mu.Unlock()
	return nil
}

// Wait blocks until the workflow pauses or ends, then returns its report.
func (e *Engine) Wait(ctx context.Context, id domain.WorkflowID) (*Report, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.Report(id)
}

// Run submits wf, starts it and waits for it to end. If ctx ends first the
// workflow is cancelled.
func (e *Engine) Run(ctx context.Context, wf *domain.Workflow) (*Report, error) {
	id, _, err := e.Submit(ctx, wf)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx, id); err != nil {
		return nil, err
	}
	rep, err := e.Wait(ctx, id)
	if err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if cerr := e.Cancel(cctx, id); cerr != nil {
			e.logger.Warn("Failed to cancel workflow", "workflow_id", id, "err", cerr)
		}
		rep, _ = e.Report(id)
		return rep, err
	}
	return rep, nil
}

// Cancel stops a workflow: in-flight nodes are cancelled and every grant and
// handle it holds is released. It waits for the run to wind down.
// Cancelling a finished workflow is a no-op.
func (e *Engine) Cancel(ctx context.Context, id domain.WorkflowID) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	switch r.status {
	case domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowCancelled:
		r.mu.Unlock()
		return nil
	case domain.WorkflowPending, domain.WorkflowPaused:
		prev := r.status
		r.status = domain.WorkflowCancelled
		r.finishedAt = e.now()
		events := r.cancelRemaining()
		if prev == domain.WorkflowPending {
			close(r.done)
		}
		r.mu.Unlock()

		if prev == domain.WorkflowPaused {
			if err := e.checkpoints.Delete(ctx, id); err != nil {
				e.logger.Warn("Failed to delete checkpoint", "workflow_id", id, "err", err)
			}
		}
		for _, ev := range events {
			e.emitNode(ctx, ev)
		}
		e.emitWorkflow(ctx, domain.Event{Type: domain.EventWorkflowCancelled, WorkflowID: id})
		return nil
	}
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// the driver may have paused before it saw the stop
	if st, _ := e.Status(id); st == domain.WorkflowPaused {
		return e.Cancel(ctx, id)
	}
	return nil
}

// RequestPause asks a running workflow to pause and returns immediately.
// No node is dispatched after it returns; in-flight nodes finish normally.
func (e *Engine) RequestPause(id domain.WorkflowID) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	st := r.status
	if st == domain.WorkflowRunning {
		r.pausing = true
	}
	r.mu.Unlock()
	if st == domain.WorkflowPaused {
		return nil
	}
	if err := domain.TransitionWorkflow(st, domain.WorkflowPaused); err != nil {
		return err
	}
	r.pauseOnce.Do(func() { close(r.pauseCh) })
	return nil
}

// Pause stops dispatching new nodes, waits for in-flight nodes, and saves a
// checkpoint. The workflow can be continued with Resume.
func (e *Engine) Pause(ctx context.Context, id domain.WorkflowID) error {
	if err := e.RequestPause(id); err != nil {
		return err
	}
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	st, perr := r.status, r.pauseErr
	r.mu.Unlock()
	if perr != nil {
		return fmt.Errorf("workflow %s: checkpoint: %w", id, perr)
	}
	if st != domain.WorkflowPaused {
		return fmt.Errorf("%w: workflow %s ended %s before pausing", domain.ErrInvalidTransition, id, st)
	}
	return nil
}

// Resume continues a workflow from its stored checkpoint. Completed nodes are
// not executed again. The workflow need not be known to this engine: a
// checkpoint written by another process is enough.
func (e *Engine) Resume(ctx context.Context, id domain.WorkflowID) error {
	release, err := e.leases.Acquire(ctx, string(id))
	if err != nil {
		return fmt.Errorf("workflow %s: %w", id, err)
	}

	cur, _ := e.lookup(id)
	if cur != nil {
		cur.mu.Lock()
		st, failure := cur.status, cur.failure
		cur.mu.Unlock()
		engineFailed := st == domain.WorkflowFailed && failure != nil && failure.Kind == domain.KindEngine
		if st != domain.WorkflowPaused && !engineFailed {
			release()
			return fmt.Errorf("%w: workflow %s is %s", domain.ErrInvalidTransition, id, st)
		}
	}

	cp, err := e.checkpoints.Load(ctx, id)
	if err == nil {
		err = verify(cp)
	}
	if err != nil {
		release()
		if errors.Is(err, domain.ErrCheckpointCorrupt) {
			e.abortCorrupt(ctx, cur, err)
		}
		return err
	}
	if cp.Status != domain.WorkflowPaused && cp.Status != domain.WorkflowRunning {
		release()
		return fmt.Errorf("%w: checkpoint of %s is %s", domain.ErrInvalidTransition, id, cp.Status)
	}

	r, err := e.restore(cp)
	if err != nil {
		release()
		e.abortCorrupt(ctx, cur, err)
		return err
	}

	r.status = domain.WorkflowRunning
	r.startedAt = e.now()
	r.release = release

	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	e.logger.Info("Workflow resumed", "workflow_id", id, "ready", len(cp.Ready), "checkpoint_at", cp.CreatedAt)
	e.emitWorkflow(ctx, domain.Event{Type: domain.EventWorkflowResumed, WorkflowID: id})

	r.mu.Lock()
	r.launch(ctx)
	r.mu.Unlock()
	return nil
}

// abortCorrupt fails a known workflow whose checkpoint cannot be trusted.
// An operator has to repair or replace the checkpoint before resuming again.
func (e *Engine) abortCorrupt(ctx context.Context, r *run, cause error) {
	e.logger.Error("Checkpoint corrupt", "err", cause)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.status = domain.WorkflowFailed
	r.failure = &domain.Failure{Kind: domain.KindEngine, Error: cause.Error()}
	r.finishedAt = e.now()
	r.mu.Unlock()
	e.emitWorkflow(ctx, domain.Event{Type: domain.EventWorkflowFailed, WorkflowID: r.id, Kind: domain.KindEngine, Error: cause.Error()})
}

// Forget purges a finished workflow instance: it drops the reference each of its
// outputs holds on the artifact store and removes the instance from the engine.
// Artifacts nobody else references become reclaimable by the lifecycle manager.
// Running, pending and paused workflows are refused; cancel them first.
func (e *Engine) Forget(ctx context.Context, id domain.WorkflowID) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	status := r.status
	var outputs []domain.ArtifactID
	for i := range r.nodes {
		for _, a := range r.nodes[i].outputs {
			outputs = append(outputs, a)
		}
	}
	r.mu.Unlock()
	if !status.IsTerminal() {
		return fmt.Errorf("%w: cannot forget %s workflow %s", domain.ErrInvalidTransition, status, id)
	}
	// the driver may still be giving back grants and the lease
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	if e.runs[id] != r {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	delete(e.runs, id)
	e.mu.Unlock()

	var errs []error
	for _, a := range outputs {
		if err := e.artifacts.Unref(a); err != nil && !errors.Is(err, domain.ErrArtifactNotFound) {
			errs = append(errs, err)
		}
	}
	if err := e.checkpoints.Delete(ctx, id); err != nil {
		errs = append(errs, err)
	}
	e.logger.Debug("Workflow forgotten", "workflow_id", id, "artifacts", len(outputs))
	return errors.Join(errs...)
}

// Status returns the current state of a workflow.
func (e *Engine) Status(id domain.WorkflowID) (domain.WorkflowStatus, error) {
	r, err := e.lookup(id)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, nil
}

// Workflows lists every workflow known to the engine.
func (e *Engine) Workflows() []domain.WorkflowID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]domain.WorkflowID, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Definition returns the workflow graph of an instance.
func (e *Engine) Definition(id domain.WorkflowID) (*domain.Workflow, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.graph.Workflow().Clone(), nil
}

func (e *Engine) emitWorkflow(ctx context.Context, ev domain.Event) {
	ev.Timestamp = e.now()
	for _, h := range e.hooks {
		if h.OnWorkflow != nil {
			h.OnWorkflow(ctx, ev)
		}
	}
}

func (e *Engine) emitNode(ctx context.Context, ev domain.Event) {
	ev.Timestamp = e.now()
	for _, h := range e.hooks {
		if h.OnNode != nil {
			h.OnNode(ctx, ev)
		}
	}
}
