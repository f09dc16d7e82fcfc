package domain

import "time"

// CheckpointVersion is bumped whenever the checkpoint layout changes.
const CheckpointVersion = 1

// Failure identifies the first node that failed a workflow.
type Failure struct {
	Node  NodeID    `json:"node"`
	Kind  ErrorKind `json:"kind"`
	Error string    `json:"error"`
}

// NodeCheckpoint is the persisted scheduling state of one node.
// Outputs hold artifact references, never payloads.
type NodeCheckpoint struct {
	Status   NodeStatus            `json:"status"`
	Outputs  map[string]ArtifactID `json:"outputs,omitempty"`
	Attempts int                   `json:"attempts,omitempty"`
	Kind     ErrorKind             `json:"kind,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// RequestState records a resource request that was outstanding at checkpoint time.
type RequestState struct {
	Node     NodeID `json:"node"`
	Class    string `json:"class"`
	Granted  bool   `json:"granted"`
	Position int    `json:"position,omitempty"`
}

// Checkpoint is a serialized snapshot of a run's scheduling state.
type Checkpoint struct {
	Version    int                       `json:"version"`
	WorkflowID WorkflowID                `json:"workflow_id"`
	Workflow   Workflow                  `json:"workflow"`
	Status     WorkflowStatus            `json:"status"`
	Ready      []NodeID                  `json:"ready"`
	Nodes      map[NodeID]NodeCheckpoint `json:"nodes"`
	InFlight   []RequestState            `json:"in_flight,omitempty"`
	Failure    *Failure                  `json:"failure,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	// Checksum covers every other field; a mismatch means ErrCheckpointCorrupt.
	Checksum string `json:"checksum"`
}
