package dsl

import (
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
)

// NodeBuilder provides a fluent API for configuring a node.
type NodeBuilder struct {
	node    domain.Node
	builder *Builder
}

// Handler runs the node in-process with the named handler.
func (n *NodeBuilder) Handler(name string) *NodeBuilder {
	n.node.Kind = domain.KindInProcess
	n.node.Handler = name
	return n
}

// Remote dispatches the node to an executor endpoint over the backbone.
// handler is passed along for executors that serve several handlers.
func (n *NodeBuilder) Remote(endpoint, handler string) *NodeBuilder {
	n.node.Kind = domain.KindRemote
	n.node.Endpoint = endpoint
	n.node.Handler = handler
	return n
}

// Param sets one executor parameter.
func (n *NodeBuilder) Param(key string, value any) *NodeBuilder {
	if n.node.Params == nil {
		n.node.Params = make(map[string]any)
	}
	n.node.Params[key] = value
	return n
}

// Params merges a parameter map into the node's parameters.
func (n *NodeBuilder) Params(params map[string]any) *NodeBuilder {
	for k, v := range params {
		n.Param(k, v)
	}
	return n
}

// Input declares an input port. An empty type accepts anything.
func (n *NodeBuilder) Input(name, typ string) *NodeBuilder {
	n.node.Inputs = append(n.node.Inputs, domain.Port{Name: name, Type: typ})
	return n
}

// Output declares an output port.
func (n *NodeBuilder) Output(name, typ string) *NodeBuilder {
	n.node.Outputs = append(n.node.Outputs, domain.Port{Name: name, Type: typ})
	return n
}

// From feeds input port toPort of this node from fromPort of node src.
func (n *NodeBuilder) From(src, fromPort, toPort string) *NodeBuilder {
	n.builder.Connect(src, fromPort, string(n.node.ID), toPort)
	return n
}

// After orders this node after src without passing data.
func (n *NodeBuilder) After(src string) *NodeBuilder {
	return n.From(src, "", "")
}

// Resource declares the pooled resource the node holds while it runs.
// An empty class makes the resource itself the arbitration class.
func (n *NodeBuilder) Resource(class string, spec domain.ResourceSpec) *NodeBuilder {
	n.node.Resource = &domain.ResourceRequirement{Class: class, Spec: spec}
	return n
}

// SkipOnFailure lets the rest of the workflow continue when this node fails.
func (n *NodeBuilder) SkipOnFailure() *NodeBuilder {
	n.node.OnFailure = domain.FailurePolicySkip
	return n
}

// Timeout bounds each execution attempt.
func (n *NodeBuilder) Timeout(d time.Duration) *NodeBuilder {
	n.node.Timeout = d.String()
	return n
}

// Retries bounds how often a transient failure is retried.
func (n *NodeBuilder) Retries(count int) *NodeBuilder {
	n.node.Retries = count
	return n
}

// Add starts the next node, so definitions can be chained.
func (n *NodeBuilder) Add(id string) *NodeBuilder {
	return n.builder.Add(id)
}
