package graph_test

import (
	"errors"
	"testing"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string) domain.Node {
	return domain.Node{ID: domain.NodeID(id), Handler: "noop"}
}

func dep(from, to string) domain.Edge {
	return domain.Edge{From: domain.NodeID(from), To: domain.NodeID(to)}
}

func diamond() *domain.Workflow {
	return &domain.Workflow{
		ID:    "diamond",
		Nodes: []domain.Node{task("D"), task("C"), task("B"), task("A")},
		Edges: []domain.Edge{dep("A", "B"), dep("A", "C"), dep("B", "D"), dep("C", "D")},
	}
}

func TestTopologicalOrder_Diamond(t *testing.T) {
	order, err := graph.TopologicalOrder(diamond())
	require.NoError(t, err)
	assert.Equal(t, []domain.NodeID{"A", "B", "C", "D"}, order)
}

func TestTopologicalOrder_LowestIDFirst(t *testing.T) {
	wf := &domain.Workflow{
		Nodes: []domain.Node{task("zeta"), task("alpha"), task("mid"), task("beta")},
		Edges: []domain.Edge{dep("zeta", "beta")},
	}
	order, err := graph.TopologicalOrder(wf)
	require.NoError(t, err)
	// alpha and mid and zeta are roots; beta waits on zeta.
	assert.Equal(t, []domain.NodeID{"alpha", "mid", "zeta", "beta"}, order)
}

func TestLevels_ParallelBranches(t *testing.T) {
	c, err := graph.Compile(diamond())
	require.NoError(t, err)
	assert.Equal(t, [][]domain.NodeID{{"A"}, {"B", "C"}, {"D"}}, c.Levels())

	levels, err := graph.Levels(diamond())
	require.NoError(t, err)
	assert.Equal(t, c.Levels(), levels)
}

func TestValidate_Errors(t *testing.T) {
	typed := func(id string, in, out []domain.Port) domain.Node {
		n := task(id)
		n.Inputs = in
		n.Outputs = out
		return n
	}

	tests := []struct {
		name string
		wf   *domain.Workflow
		want error
	}{
		{
			name: "Cycle",
			wf: &domain.Workflow{
				Nodes: []domain.Node{task("a"), task("b"), task("c")},
				Edges: []domain.Edge{dep("a", "b"), dep("b", "c"), dep("c", "a")},
			},
			want: domain.ErrCycle,
		},
		{
			name: "Dangling Edge Target",
			wf: &domain.Workflow{
				Nodes: []domain.Node{task("a")},
				Edges: []domain.Edge{dep("a", "ghost")},
			},
			want: domain.ErrDanglingEdge,
		},
		{
			name: "Dangling Port",
			wf: &domain.Workflow{
				Nodes: []domain.Node{
					typed("a", nil, []domain.Port{{Name: "out", Type: "text"}}),
					typed("b", []domain.Port{{Name: "in", Type: "text"}}, nil),
				},
				Edges: []domain.Edge{{From: "a", FromPort: "missing", To: "b", ToPort: "in"}},
			},
			want: domain.ErrDanglingEdge,
		},
		{
			name: "Port Type Mismatch",
			wf: &domain.Workflow{
				Nodes: []domain.Node{
					typed("a", nil, []domain.Port{{Name: "out", Type: "image"}}),
					typed("b", []domain.Port{{Name: "in", Type: "text"}}, nil),
				},
				Edges: []domain.Edge{{From: "a", FromPort: "out", To: "b", ToPort: "in"}},
			},
			want: domain.ErrPortMismatch,
		},
		{
			name: "Input Fed Twice",
			wf: &domain.Workflow{
				Nodes: []domain.Node{
					typed("a", nil, []domain.Port{{Name: "out"}}),
					typed("b", nil, []domain.Port{{Name: "out"}}),
					typed("c", []domain.Port{{Name: "in"}}, nil),
				},
				Edges: []domain.Edge{
					{From: "a", FromPort: "out", To: "c", ToPort: "in"},
					{From: "b", FromPort: "out", To: "c", ToPort: "in"},
				},
			},
			want: domain.ErrInputConflict,
		},
		{
			name: "Self Loop",
			wf: &domain.Workflow{
				Nodes: []domain.Node{task("a")},
				Edges: []domain.Edge{dep("a", "a")},
			},
			want: domain.ErrSelfLoop,
		},
		{
			name: "Self Loop Is A Cycle",
			wf: &domain.Workflow{
				Nodes: []domain.Node{task("a"), task("b")},
				Edges: []domain.Edge{dep("a", "b"), dep("b", "b")},
			},
			want: domain.ErrCycle,
		},
		{
			name: "Duplicate Node",
			wf:   &domain.Workflow{Nodes: []domain.Node{task("a"), task("a")}},
			want: domain.ErrDuplicateNode,
		},
		{
			name: "Empty",
			wf:   &domain.Workflow{},
			want: domain.ErrEmptyWorkflow,
		},
		{
			name: "Remote Without Endpoint",
			wf:   &domain.Workflow{Nodes: []domain.Node{{ID: "r", Kind: domain.KindRemote}}},
			want: domain.ErrInvalidNode,
		},
		{
			name: "Bad Timeout",
			wf:   &domain.Workflow{Nodes: []domain.Node{{ID: "a", Handler: "x", Timeout: "soon"}}},
			want: domain.ErrInvalidNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := graph.Validate(tt.wf)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var ge *domain.GraphError
			assert.True(t, errors.As(err, &ge), "expected *domain.GraphError, got %T", err)
			assert.Equal(t, domain.KindGraph, domain.KindOf(err))
		})
	}
}

func TestValidate_SelfLoopWitness(t *testing.T) {
	err := graph.Validate(&domain.Workflow{
		Nodes: []domain.Node{task("a")},
		Edges: []domain.Edge{dep("a", "a")},
	})
	var ge *domain.GraphError
	require.ErrorAs(t, err, &ge)
	assert.ErrorIs(t, err, domain.ErrCycle)
	assert.Equal(t, []domain.NodeID{"a", "a"}, ge.Path)
}

func TestValidate_CycleWitness(t *testing.T) {
	wf := &domain.Workflow{
		Nodes: []domain.Node{task("root"), task("x"), task("y"), task("z")},
		Edges: []domain.Edge{dep("root", "x"), dep("x", "y"), dep("y", "z"), dep("z", "x")},
	}
	err := graph.Validate(wf)

	var ge *domain.GraphError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, []domain.NodeID{"x", "y", "z", "x"}, ge.Path)
	assert.Contains(t, err.Error(), "x -> y -> z -> x")
}

func TestValidate_AnyPortMatchesEverything(t *testing.T) {
	a := task("a")
	a.Outputs = []domain.Port{{Name: "out", Type: domain.PortTypeAny}}
	b := task("b")
	b.Inputs = []domain.Port{{Name: "in", Type: "tensor"}}

	wf := &domain.Workflow{
		Nodes: []domain.Node{a, b},
		Edges: []domain.Edge{{From: "a", FromPort: "out", To: "b", ToPort: "in"}},
	}
	assert.NoError(t, graph.Validate(wf))
}

func TestDescendants(t *testing.T) {
	c, err := graph.Compile(diamond())
	require.NoError(t, err)

	b, ok := c.Index("B")
	require.True(t, ok)
	desc := c.Descendants(b)
	require.Len(t, desc, 1)
	assert.Equal(t, domain.NodeID("D"), c.ID(desc[0]))

	a, _ := c.Index("A")
	assert.Len(t, c.Descendants(a), 3)
}
