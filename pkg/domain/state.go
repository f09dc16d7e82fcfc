package domain

import "fmt"

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed workflow transition.
func (s WorkflowStatus) CanTransition(to WorkflowStatus) bool {
	switch s {
	case WorkflowPending:
		return to == WorkflowRunning || to == WorkflowCancelled || to == WorkflowFailed
	case WorkflowRunning:
		return to == WorkflowPaused || to == WorkflowCompleted || to == WorkflowFailed || to == WorkflowCancelled
	case WorkflowPaused:
		return to == WorkflowRunning || to == WorkflowCancelled || to == WorkflowFailed
	}
	return false
}

// TransitionWorkflow validates a workflow status change.
func TransitionWorkflow(from, to WorkflowStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: workflow %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// NodeStatus is the scheduling state of a node inside a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the node will not run again in this run.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed node transition.
func (s NodeStatus) CanTransition(to NodeStatus) bool {
	switch s {
	case NodePending:
		return to == NodeReady || to == NodeSkipped || to == NodeCancelled
	case NodeReady:
		return to == NodeRunning || to == NodeCancelled || to == NodePending
	case NodeRunning:
		return to == NodeCompleted || to == NodeFailed || to == NodeCancelled || to == NodeReady
	}
	return false
}

// HandleState is the lifecycle state of a pooled resource handle.
// Transitions are owned by the pool manager.
type HandleState uint32

const (
	HandleUnloaded HandleState = iota
	HandleLoading
	HandleWarming
	HandleReady
	HandleActive
	// HandleUnloading is an evicted handle whose resource is being torn down.
	// Its slot already belongs to the handle that evicted it.
	HandleUnloading
)

func (s HandleState) String() string {
	switch s {
	case HandleUnloaded:
		return "unloaded"
	case HandleLoading:
		return "loading"
	case HandleWarming:
		return "warming"
	case HandleReady:
		return "ready"
	case HandleActive:
		return "active"
	case HandleUnloading:
		return "unloading"
	}
	return fmt.Sprintf("handle_state(%d)", uint32(s))
}

// Resident reports whether the handle occupies a pool slot. A handle being
// loaded counts from the moment its slot is reserved.
func (s HandleState) Resident() bool {
	return s == HandleLoading || s == HandleWarming || s == HandleReady || s == HandleActive
}
