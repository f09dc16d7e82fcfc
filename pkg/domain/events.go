package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventWorkflowSubmitted EventType = "workflow_submitted"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"

	EventNodeStarted   EventType = "started"
	EventNodeCompleted EventType = "completed"
	EventNodeFailed    EventType = "failed"
	EventNodeSkipped   EventType = "skipped"
	EventNodeCancelled EventType = "cancelled"
	EventNodeQueued    EventType = "queued"
)

// Event is a telemetry record of a workflow or node transition.
type Event struct {
	Timestamp  time.Time             `json:"timestamp"`
	Type       EventType             `json:"type"`
	WorkflowID WorkflowID            `json:"workflow_id"`
	NodeID     NodeID                `json:"node_id,omitempty"`
	Attempt    int                   `json:"attempt,omitempty"`
	Kind       ErrorKind             `json:"kind,omitempty"`
	Error      string                `json:"error,omitempty"`
	Outputs    map[string]ArtifactID `json:"outputs,omitempty"`
	Duration   time.Duration         `json:"duration,omitempty"`
}

// LifecycleHooks defines callbacks for engine observability.
type LifecycleHooks struct {
	OnWorkflow func(context.Context, Event)
	OnNode     func(context.Context, Event)
}
