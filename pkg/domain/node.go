package domain

import (
	"fmt"
	"time"
)

// NodeID identifies a node inside its workflow.
type NodeID string

// ExecutionKind selects where a node's work runs.
type ExecutionKind string

const (
	// KindInProcess runs the node through a handler registered with the engine.
	KindInProcess ExecutionKind = "in_process"
	// KindRemote dispatches the node over the backbone to an external executor.
	KindRemote ExecutionKind = "remote"
)

// FailurePolicy decides what a node failure does to the rest of the workflow.
type FailurePolicy string

const (
	// FailurePolicyFail aborts all downstream work and fails the workflow.
	FailurePolicyFail FailurePolicy = "fail"
	// FailurePolicySkip fails the node's dependents individually and lets
	// independent branches continue.
	FailurePolicySkip FailurePolicy = "skip"
)

// PortTypeAny is compatible with every other port type.
const PortTypeAny = "any"

// Port is a typed, named slot on a node.
type Port struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Compatible reports whether an output port of type p can feed an input port of type in.
func (p Port) Compatible(in Port) bool {
	if p.Type == "" || in.Type == "" || p.Type == PortTypeAny || in.Type == PortTypeAny {
		return true
	}
	return p.Type == in.Type
}

// ResourceRequirement names the pooled resource a node needs while it runs.
type ResourceRequirement struct {
	// Class is the arbitration class. Defaults to the spec key, which makes
	// the handle itself the exclusive resource.
	Class string       `json:"class,omitempty" yaml:"class,omitempty"`
	Spec  ResourceSpec `json:"spec" yaml:"spec"`
}

// ClassName returns the arbitration class for the requirement.
func (r ResourceRequirement) ClassName() string {
	if r.Class != "" {
		return r.Class
	}
	return r.Spec.Key()
}

// Node represents a task in the workflow graph.
type Node struct {
	ID NodeID `json:"id" yaml:"id"`

	// Kind selects in-process or remote execution.
	Kind ExecutionKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Handler names the in-process handler (Kind == KindInProcess).
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`
	// Endpoint names the remote executor (Kind == KindRemote).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Params is an opaque parameter map handed to the executor.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	Inputs  []Port `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []Port `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Resource *ResourceRequirement `json:"resource,omitempty" yaml:"resource,omitempty"`

	OnFailure FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`

	// Timeout is a duration string (e.g. "30s"). Empty means no timeout.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries bounds how many times a retryable failure is re-attempted.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Policy returns the effective failure policy (Fail when unset).
func (n Node) Policy() FailurePolicy {
	if n.OnFailure == FailurePolicySkip {
		return FailurePolicySkip
	}
	return FailurePolicyFail
}

// ExecKind returns the effective execution kind (in-process when unset).
func (n Node) ExecKind() ExecutionKind {
	if n.Kind == "" {
		return KindInProcess
	}
	return n.Kind
}

// TimeoutDuration parses Timeout. Zero means no timeout.
func (n Node) TimeoutDuration() (time.Duration, error) {
	if n.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return 0, fmt.Errorf("node %s: invalid timeout %q: %w", n.ID, n.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("node %s: negative timeout %q", n.ID, n.Timeout)
	}
	return d, nil
}

// InputPort returns the named input port.
func (n Node) InputPort(name string) (Port, bool) {
	for _, p := range n.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// OutputPort returns the named output port.
func (n Node) OutputPort(name string) (Port, bool) {
	for _, p := range n.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}
