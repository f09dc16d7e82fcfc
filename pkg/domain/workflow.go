package domain

// WorkflowID identifies a submitted workflow instance.
type WorkflowID string

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	From     NodeID `json:"from" yaml:"from"`
	FromPort string `json:"from_port" yaml:"from_port"`
	To       NodeID `json:"to" yaml:"to"`
	ToPort   string `json:"to_port" yaml:"to_port"`
}

// Workflow is a DAG of task nodes.
// A submitted Workflow is never mutated; re-submission creates a new instance.
type Workflow struct {
	ID       WorkflowID        `json:"id" yaml:"id"`
	Name     string            `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes    []Node            `json:"nodes" yaml:"nodes"`
	Edges    []Edge            `json:"edges,omitempty" yaml:"edges,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Node looks up a node by ID.
func (w *Workflow) Node(id NodeID) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Clone returns a deep copy of the graph structure. Param values are shared.
func (w *Workflow) Clone() *Workflow {
	out := &Workflow{
		ID:    w.ID,
		Name:  w.Name,
		Nodes: make([]Node, len(w.Nodes)),
		Edges: append([]Edge(nil), w.Edges...),
	}
	for i, n := range w.Nodes {
		cp := n
		cp.Inputs = append([]Port(nil), n.Inputs...)
		cp.Outputs = append([]Port(nil), n.Outputs...)
		if n.Params != nil {
			cp.Params = make(map[string]any, len(n.Params))
			for k, v := range n.Params {
				cp.Params[k] = v
			}
		}
		if n.Resource != nil {
			r := *n.Resource
			cp.Resource = &r
		}
		out.Nodes[i] = cp
	}
	if w.Metadata != nil {
		out.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
