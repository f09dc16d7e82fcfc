package dsl

import (
	"fmt"

	"github.com/aretw0/orchestra/pkg/adapters/memory"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/graph"
)

// Builder manages the workflow construction.
type Builder struct {
	id    domain.WorkflowID
	name  string
	order []string
	nodes map[string]*NodeBuilder
	edges []domain.Edge
	meta  map[string]string
}

// New creates a builder for a workflow with the given ID.
func New(id string) *Builder {
	return &Builder{
		id:    domain.WorkflowID(id),
		nodes: make(map[string]*NodeBuilder),
	}
}

// Name sets the human-readable workflow name.
func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// Meta attaches a metadata entry to the workflow.
func (b *Builder) Meta(key, value string) *Builder {
	if b.meta == nil {
		b.meta = make(map[string]string)
	}
	b.meta[key] = value
	return b
}

// Add creates a new node in the workflow.
// If the node already exists, it returns the existing builder.
func (b *Builder) Add(id string) *NodeBuilder {
	if nb, ok := b.nodes[id]; ok {
		return nb
	}
	nb := &NodeBuilder{
		node:    domain.Node{ID: domain.NodeID(id)},
		builder: b,
	}
	b.nodes[id] = nb
	b.order = append(b.order, id)
	return nb
}

// Connect wires an output port of one node to an input port of another.
func (b *Builder) Connect(from, fromPort, to, toPort string) *Builder {
	b.edges = append(b.edges, domain.Edge{
		From:     domain.NodeID(from),
		FromPort: fromPort,
		To:       domain.NodeID(to),
		ToPort:   toPort,
	})
	return b
}

// Workflow assembles the definition without validating it.
func (b *Builder) Workflow() *domain.Workflow {
	wf := &domain.Workflow{
		ID:    b.id,
		Name:  b.name,
		Nodes: make([]domain.Node, 0, len(b.order)),
		Edges: append([]domain.Edge(nil), b.edges...),
	}
	for _, id := range b.order {
		wf.Nodes = append(wf.Nodes, b.nodes[id].node)
	}
	if b.meta != nil {
		wf.Metadata = make(map[string]string, len(b.meta))
		for k, v := range b.meta {
			wf.Metadata[k] = v
		}
	}
	return wf.Clone()
}

// Build assembles and validates the workflow.
func (b *Builder) Build() (*domain.Workflow, error) {
	wf := b.Workflow()
	if err := graph.Validate(wf); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", b.id, err)
	}
	return wf, nil
}

// Loader builds the workflow and wraps it in a memory.Loader keyed by its ID.
func (b *Builder) Loader() (*memory.Loader, error) {
	wf, err := b.Build()
	if err != nil {
		return nil, err
	}
	loader, err := memory.NewLoader(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to build memory loader: %w", err)
	}
	return loader, nil
}
