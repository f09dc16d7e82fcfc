package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/engine"
	"github.com/aretw0/orchestra/pkg/registry"
)

// node builds an in-process node with one "out" port and the given input ports.
func node(id, handler string, inputs ...string) domain.Node {
	n := domain.Node{ID: domain.NodeID(id), Handler: handler, Outputs: []domain.Port{{Name: "out"}}}
	for _, in := range inputs {
		n.Inputs = append(n.Inputs, domain.Port{Name: in})
	}
	return n
}

func edge(from, to, toPort string) domain.Edge {
	return domain.Edge{From: domain.NodeID(from), FromPort: "out", To: domain.NodeID(to), ToPort: toPort}
}

func diamond(handler string) *domain.Workflow {
	return &domain.Workflow{
		ID: "diamond",
		Nodes: []domain.Node{
			node("a", handler),
			node("b", handler, "in"),
			node("c", handler, "in"),
			node("d", handler, "left", "right"),
		},
		Edges: []domain.Edge{
			edge("a", "b", "in"),
			edge("a", "c", "in"),
			edge("b", "d", "left"),
			edge("c", "d", "right"),
		},
	}
}

// journal records handler entry and exit in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) index(s string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.entries {
		if e == s {
			return i
		}
	}
	return -1
}

func (j *journal) count(prefix string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// barrier releases its callers once n of them have arrived.
type barrier struct {
	mu      sync.Mutex
	pending int
	open    chan struct{}
}

func newBarrier(n int) *barrier { return &barrier{pending: n, open: make(chan struct{})} }

func (b *barrier) arrive(ctx context.Context, timeout time.Duration) bool {
	b.mu.Lock()
	b.pending--
	if b.pending == 0 {
		close(b.open)
	}
	b.mu.Unlock()
	select {
	case <-b.open:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func TestEngine_DiamondRunsBranchesConcurrently(t *testing.T) {
	j := &journal{}
	overlap := newBarrier(2)
	var dInputs map[string][]byte

	e := engine.New()
	e.Register("work", registry.HandlerFunc(func(ctx context.Context, task registry.Task) (map[string]registry.Output, error) {
		id := string(task.Node.ID)
		j.add("start:" + id)
		if id == "b" || id == "c" {
			if !overlap.arrive(ctx, 2*time.Second) {
				return nil, errors.New("b and c did not run concurrently")
			}
		}
		if id == "d" {
			dInputs = task.Inputs
		}
		j.add("end:" + id)
		return map[string]registry.Output{"out": registry.Text(id)}, nil
	}))

	rep, err := e.Run(context.Background(), diamond("work"))
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, rep.Status, "failure: %+v", rep.Failure)
	assert.Equal(t, 4, rep.Count(domain.NodeCompleted))

	assert.Less(t, j.index("end:a"), j.index("start:b"))
	assert.Less(t, j.index("end:a"), j.index("start:c"))
	assert.Less(t, j.index("end:b"), j.index("start:d"))
	assert.Less(t, j.index("end:c"), j.index("start:d"))

	assert.Equal(t, []byte("b"), dInputs["left"])
	assert.Equal(t, []byte("c"), dInputs["right"])
	assert.Len(t, rep.Artifacts, 4)
}

func TestEngine_SkipPolicyKeepsSiblingBranches(t *testing.T) {
	wf := diamond("work")
	wf.Nodes[1].OnFailure = domain.FailurePolicySkip
	wf.Nodes = append(wf.Nodes, node("e", "work", "in"))
	wf.Edges = append(wf.Edges, edge("c", "e", "in"))

	e := engine.New()
	e.Register("work", registry.HandlerFunc(func(ctx context.Context, task registry.Task) (map[string]registry.Output, error) {
		if task.Node.ID == "b" {
			return nil, errors.New("model crashed")
		}
		return map[string]registry.Output{"out": registry.Text(string(task.Node.ID))}, nil
	}))

	rep, err := e.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowCompleted, rep.Status)
	assert.Equal(t, 1, rep.Count(domain.NodeFailed))
	require.NotNil(t, rep.Failure)
	assert.Equal(t, domain.NodeID("b"), rep.Failure.Node)
	assert.Equal(t, domain.KindExecution, rep.Failure.Kind)

	c, _ := rep.Node("c")
	assert.Equal(t, domain.NodeCompleted, c.Status)
	eNode, _ := rep.Node("e")
	assert.Equal(t, domain.NodeCompleted, eNode.Status, "independent branch continues")
	d, _ := rep.Node("d")
	assert.Equal(t, domain.NodeSkipped, d.Status)
	assert.Equal(t, domain.KindUpstream, d.Kind)
}

func TestEngine_FailPolicyAbortsWorkflow(t *testing.T) {
	wf := &domain.Workflow{
		ID: "abort",
		Nodes: []domain.Node{
			node("bad", "fail"),
			node("slow", "block"),
			node("after", "echo", "in"),
		},
		Edges: []domain.Edge{edge("bad", "after", "in")},
	}
	wf.Nodes[0].Params = map[string]any{"message": "broken input"}

	reg := registry.NewRegistry()
	registry.RegisterBuiltins(reg)
	reg.RegisterFunc("block", func(ctx context.Context, _ registry.Task) (map[string]registry.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := engine.New(engine.WithRegistry(reg))

	rep, err := e.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowFailed, rep.Status)
	require.NotNil(t, rep.Failure)
	assert.Equal(t, domain.NodeID("bad"), rep.Failure.Node)
	assert.Equal(t, "broken input", rep.Failure.Error)

	slow, _ := rep.Node("slow")
	assert.Equal(t, domain.NodeCancelled, slow.Status)
	after, _ := rep.Node("after")
	assert.Equal(t, domain.NodeSkipped, after.Status)
}

func TestEngine_SubmitRejectsCycle(t *testing.T) {
	e := engine.New()
	wf := &domain.Workflow{
		Nodes: []domain.Node{node("a", "echo", "in"), node("b", "echo", "in")},
		Edges: []domain.Edge{edge("a", "b", "in"), edge("b", "a", "in")},
	}
	_, _, err := e.Submit(context.Background(), wf)

	var ge *domain.GraphError
	require.ErrorAs(t, err, &ge)
	assert.ErrorIs(t, err, domain.ErrCycle)
	assert.Empty(t, e.Workflows())
}

func TestEngine_ResubmissionCreatesNewInstance(t *testing.T) {
	e := engine.New()
	wf := &domain.Workflow{ID: "same", Nodes: []domain.Node{node("a", "echo")}}

	id1, st, err := e.Submit(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPending, st)
	id2, _, err := e.Submit(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowID("same"), id1)
	assert.NotEqual(t, id1, id2)
	assert.True(t, strings.HasPrefix(string(id2), "same-"))
}

func TestEngine_NodeTimeoutFailsNode(t *testing.T) {
	reg := registry.NewRegistry()
	registry.RegisterBuiltins(reg)
	e := engine.New(engine.WithRegistry(reg))

	n := node("nap", "sleep")
	n.Params = map[string]any{"duration": "5s"}
	n.Timeout = "20ms"

	rep, err := e.Run(context.Background(), &domain.Workflow{Nodes: []domain.Node{n}})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, rep.Status)
	require.NotNil(t, rep.Failure)
	assert.Equal(t, domain.KindTimeout, rep.Failure.Kind)
	assert.Contains(t, rep.Failure.Error, "timed out")
}

func TestEngine_ResultAtDeadlineIsNotATimeout(t *testing.T) {
	e := engine.New()
	e.Register("finisher", registry.HandlerFunc(func(ctx context.Context, _ registry.Task) (map[string]registry.Output, error) {
		// finish the work even though the deadline fires first
		<-ctx.Done()
		return map[string]registry.Output{"out": registry.Text("made it")}, nil
	}))

	n := node("edge", "finisher")
	n.Timeout = "10ms"

	rep, err := e.Run(context.Background(), &domain.Workflow{Nodes: []domain.Node{n}})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, rep.Status)
	assert.Nil(t, rep.Failure)
}

func TestEngine_MissingOutputPortFailsNode(t *testing.T) {
	e := engine.New()
	e.Register("lazy", registry.HandlerFunc(func(context.Context, registry.Task) (map[string]registry.Output, error) {
		return nil, nil
	}))
	rep, err := e.Run(context.Background(), &domain.Workflow{Nodes: []domain.Node{node("a", "lazy")}})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, rep.Status)
	assert.Contains(t, rep.Failure.Error, `output port "out" not produced`)
}

func TestEngine_UnknownHandlerFails(t *testing.T) {
	e := engine.New()
	rep, err := e.Run(context.Background(), &domain.Workflow{Nodes: []domain.Node{node("a", "ghost")}})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, rep.Status)
	assert.Contains(t, rep.Failure.Error, domain.ErrHandlerNotFound.Error())
}

func TestEngine_HooksSeeTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	record := func(_ context.Context, ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.NodeID != "" {
			seen = append(seen, fmt.Sprintf("%s:%s", ev.NodeID, ev.Type))
			return
		}
		seen = append(seen, string(ev.Type))
	}

	reg := registry.NewRegistry()
	registry.RegisterBuiltins(reg)
	e := engine.New(engine.WithRegistry(reg), engine.WithHooks(domain.LifecycleHooks{OnWorkflow: record, OnNode: record}))

	n := node("a", "echo")
	n.Params = map[string]any{"text": "hi"}
	_, err := e.Run(context.Background(), &domain.Workflow{Nodes: []domain.Node{n}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		string(domain.EventWorkflowSubmitted),
		string(domain.EventWorkflowStarted),
		"a:started",
		"a:completed",
		string(domain.EventWorkflowCompleted),
	}, seen)
}

func TestEngine_RunCancelledByContext(t *testing.T) {
	e := engine.New()
	e.Register("block", registry.HandlerFunc(func(ctx context.Context, _ registry.Task) (map[string]registry.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rep, err := e.Run(ctx, &domain.Workflow{ID: "hang", Nodes: []domain.Node{node("a", "block")}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, rep)
	assert.Equal(t, domain.WorkflowCancelled, rep.Status)

	a, _ := rep.Node("a")
	assert.Equal(t, domain.NodeCancelled, a.Status)
}

func TestEngine_MaxParallel(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	e := engine.New(engine.WithMaxParallel(2))
	e.Register("work", registry.HandlerFunc(func(ctx context.Context, task registry.Task) (map[string]registry.Output, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return map[string]registry.Output{"out": registry.Text(string(task.Node.ID))}, nil
	}))

	wf := &domain.Workflow{}
	for i := 0; i < 6; i++ {
		wf.Nodes = append(wf.Nodes, node(fmt.Sprintf("n%d", i), "work"))
	}
	rep, err := e.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, rep.Status)
	assert.LessOrEqual(t, peak, 2)
}
