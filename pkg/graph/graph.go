// Package graph validates workflow graphs and computes their scheduling order.
//
// A workflow is compiled into an arena: nodes are addressed by an integer index
// (their position in ascending ID order) and edges become sorted adjacency lists.
// The engine schedules against this arena and checkpoints refer to nodes by ID,
// so nothing holds pointers between nodes.
package graph

import (
	"sort"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Compiled is the validated, index-addressed form of a workflow.
type Compiled struct {
	wf       *domain.Workflow
	ids      []domain.NodeID
	nodes    []domain.Node
	index    map[domain.NodeID]int
	outgoing [][]int
	incoming [][]int
	inbound  [][]domain.Edge
	indeg    []int
	depth    []int
}

// Compile validates wf and builds its arena.
// It returns a *domain.GraphError for every structural problem.
func Compile(wf *domain.Workflow) (*Compiled, error) {
	if wf == nil || len(wf.Nodes) == 0 {
		return nil, domain.NewGraphError(domain.ErrEmptyWorkflow, "workflow %q", workflowID(wf))
	}

	c := &Compiled{
		wf:    wf,
		index: make(map[domain.NodeID]int, len(wf.Nodes)),
	}

	byID := make(map[domain.NodeID]domain.Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return nil, domain.NewGraphError(domain.ErrInvalidNode, "node id is required")
		}
		if _, dup := byID[n.ID]; dup {
			return nil, domain.NewGraphError(domain.ErrDuplicateNode, "%q", n.ID)
		}
		if err := checkNode(n); err != nil {
			return nil, err
		}
		byID[n.ID] = n
		c.ids = append(c.ids, n.ID)
	}
	sort.Slice(c.ids, func(i, j int) bool { return c.ids[i] < c.ids[j] })

	c.nodes = make([]domain.Node, len(c.ids))
	for i, id := range c.ids {
		c.index[id] = i
		c.nodes[i] = byID[id]
	}

	if err := c.link(wf.Edges); err != nil {
		return nil, err
	}
	if path := c.findCycle(); path != nil {
		return nil, domain.CycleError(path)
	}
	c.depth = c.computeDepth()
	return c, nil
}

// Validate rejects cycles, dangling edges and type-mismatched port connections.
func Validate(wf *domain.Workflow) error {
	_, err := Compile(wf)
	return err
}

// TopologicalOrder returns a deterministic order in which no node precedes
// any of its predecessors. Among equally-ready nodes the lowest ID comes first.
func TopologicalOrder(wf *domain.Workflow) ([]domain.NodeID, error) {
	c, err := Compile(wf)
	if err != nil {
		return nil, err
	}
	return c.Order(), nil
}

// Levels validates wf and groups its nodes by topological depth.
func Levels(wf *domain.Workflow) ([][]domain.NodeID, error) {
	c, err := Compile(wf)
	if err != nil {
		return nil, err
	}
	return c.Levels(), nil
}

func workflowID(wf *domain.Workflow) domain.WorkflowID {
	if wf == nil {
		return ""
	}
	return wf.ID
}

func checkNode(n domain.Node) error {
	switch n.ExecKind() {
	case domain.KindInProcess:
		if n.Handler == "" {
			return domain.NewGraphError(domain.ErrInvalidNode, "%q: in-process node needs a handler", n.ID)
		}
	case domain.KindRemote:
		if n.Endpoint == "" {
			return domain.NewGraphError(domain.ErrInvalidNode, "%q: remote node needs an endpoint", n.ID)
		}
	default:
		return domain.NewGraphError(domain.ErrInvalidNode, "%q: unknown kind %q", n.ID, n.Kind)
	}
	if n.OnFailure != "" && n.OnFailure != domain.FailurePolicyFail && n.OnFailure != domain.FailurePolicySkip {
		return domain.NewGraphError(domain.ErrInvalidNode, "%q: unknown failure policy %q", n.ID, n.OnFailure)
	}
	if _, err := n.TimeoutDuration(); err != nil {
		return domain.NewGraphError(domain.ErrInvalidNode, "%v", err)
	}
	seen := make(map[string]struct{}, len(n.Inputs)+len(n.Outputs))
	for _, p := range n.Inputs {
		if p.Name == "" {
			return domain.NewGraphError(domain.ErrInvalidNode, "%q: input port without name", n.ID)
		}
		if _, dup := seen["in:"+p.Name]; dup {
			return domain.NewGraphError(domain.ErrInvalidNode, "%q: duplicate input port %q", n.ID, p.Name)
		}
		seen["in:"+p.Name] = struct{}{}
	}
	for _, p := range n.Outputs {
		if p.Name == "" {
			return domain.NewGraphError(domain.ErrInvalidNode, "%q: output port without name", n.ID)
		}
		if _, dup := seen["out:"+p.Name]; dup {
			return domain.NewGraphError(domain.ErrInvalidNode, "%q: duplicate output port %q", n.ID, p.Name)
		}
		seen["out:"+p.Name] = struct{}{}
	}
	return nil
}

// link resolves edges into adjacency lists.
// An edge with both port names empty is an ordering-only dependency.
func (c *Compiled) link(edges []domain.Edge) error {
	n := len(c.ids)
	c.outgoing = make([][]int, n)
	c.incoming = make([][]int, n)
	c.inbound = make([][]domain.Edge, n)
	c.indeg = make([]int, n)

	type pair struct{ from, to int }
	seenPair := make(map[pair]struct{}, len(edges))
	fedInputs := make(map[domain.NodeID]map[string]domain.NodeID)

	for _, e := range edges {
		from, okFrom := c.index[e.From]
		to, okTo := c.index[e.To]
		if !okFrom {
			return domain.NewGraphError(domain.ErrDanglingEdge, "edge %s -> %s: unknown source node %q", e.From, e.To, e.From)
		}
		if !okTo {
			return domain.NewGraphError(domain.ErrDanglingEdge, "edge %s -> %s: unknown target node %q", e.From, e.To, e.To)
		}
		if from == to {
			loop := domain.CycleError([]domain.NodeID{e.From, e.From})
			loop.Kind = domain.ErrSelfLoop
			return loop
		}

		if e.FromPort != "" || e.ToPort != "" {
			out, ok := c.nodes[from].OutputPort(e.FromPort)
			if !ok {
				return domain.NewGraphError(domain.ErrDanglingEdge, "edge %s.%s -> %s.%s: unknown output port", e.From, e.FromPort, e.To, e.ToPort)
			}
			in, ok := c.nodes[to].InputPort(e.ToPort)
			if !ok {
				return domain.NewGraphError(domain.ErrDanglingEdge, "edge %s.%s -> %s.%s: unknown input port", e.From, e.FromPort, e.To, e.ToPort)
			}
			if !out.Compatible(in) {
				return domain.NewGraphError(domain.ErrPortMismatch, "edge %s.%s (%s) -> %s.%s (%s)",
					e.From, e.FromPort, out.Type, e.To, e.ToPort, in.Type)
			}
			fed := fedInputs[e.To]
			if fed == nil {
				fed = make(map[string]domain.NodeID)
				fedInputs[e.To] = fed
			}
			if prev, taken := fed[e.ToPort]; taken {
				return domain.NewGraphError(domain.ErrInputConflict, "%s.%s fed by %s and %s", e.To, e.ToPort, prev, e.From)
			}
			fed[e.ToPort] = e.From
		}

		c.inbound[to] = append(c.inbound[to], e)
		p := pair{from, to}
		if _, dup := seenPair[p]; dup {
			continue
		}
		seenPair[p] = struct{}{}
		c.outgoing[from] = append(c.outgoing[from], to)
		c.incoming[to] = append(c.incoming[to], from)
		c.indeg[to]++
	}

	for i := range c.outgoing {
		sort.Ints(c.outgoing[i])
		sort.Ints(c.incoming[i])
	}
	return nil
}

// Workflow returns the source workflow.
func (c *Compiled) Workflow() *domain.Workflow { return c.wf }

// Len returns the number of nodes.
func (c *Compiled) Len() int { return len(c.ids) }

// ID returns the node ID at index i.
func (c *Compiled) ID(i int) domain.NodeID { return c.ids[i] }

// Node returns the node at index i.
func (c *Compiled) Node(i int) domain.Node { return c.nodes[i] }

// Index returns the arena index of id.
func (c *Compiled) Index(id domain.NodeID) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// Successors returns the sorted indices of i's direct dependents.
func (c *Compiled) Successors(i int) []int { return c.outgoing[i] }

// Predecessors returns the sorted indices of i's direct dependencies.
func (c *Compiled) Predecessors(i int) []int { return c.incoming[i] }

// InDegree returns the number of distinct predecessors of i.
func (c *Compiled) InDegree(i int) int { return c.indeg[i] }

// Inbound returns the edges that feed node i.
func (c *Compiled) Inbound(i int) []domain.Edge { return c.inbound[i] }

// Depth returns the topological depth of node i (roots are 0).
func (c *Compiled) Depth(i int) int { return c.depth[i] }

// Descendants returns every node reachable from i, in ascending index order.
func (c *Compiled) Descendants(i int) []int {
	visited := make([]bool, len(c.ids))
	stack := append([]int(nil), c.outgoing[i]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[u] {
			continue
		}
		visited[u] = true
		stack = append(stack, c.outgoing[u]...)
	}
	out := make([]int, 0)
	for u, v := range visited {
		if v {
			out = append(out, u)
		}
	}
	return out
}
