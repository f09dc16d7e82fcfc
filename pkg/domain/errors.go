package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Graph structure errors. A *GraphError unwraps to one of these.
var (
	ErrCycle         = errors.New("cycle detected")
	ErrDanglingEdge  = errors.New("dangling edge")
	ErrPortMismatch  = errors.New("port type mismatch")
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrSelfLoop is the one-node cycle; it also matches ErrCycle.
	ErrSelfLoop      = fmt.Errorf("self loop: %w", ErrCycle)
	ErrInputConflict = errors.New("input port fed by more than one edge")
	ErrEmptyWorkflow = errors.New("workflow has no nodes")
	ErrInvalidNode   = errors.New("invalid node")
)

var (
	// ErrWorkflowNotFound is returned when a workflow ID is unknown to the engine.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrCheckpointNotFound is returned when no checkpoint exists for a workflow.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointCorrupt aborts a resume; operators must intervene.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	// ErrInvalidTransition is returned for a disallowed state change.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrHandlerNotFound is returned when an in-process node names an unregistered handler.
	ErrHandlerNotFound = errors.New("handler not registered")
	// ErrNodeTimeout is returned when a node exceeds its timeout.
	ErrNodeTimeout = errors.New("node timed out")
	// ErrUpstreamFailed marks a node that never ran because a predecessor failed.
	ErrUpstreamFailed = errors.New("upstream node failed")

	// ErrPoolExhausted is returned when every resident handle is checked out.
	ErrPoolExhausted = errors.New("resource pool exhausted")
	// ErrHandleNotActive is returned when releasing a handle that is not checked out.
	ErrHandleNotActive = errors.New("handle not checked out")

	// ErrArtifactNotFound is returned when an artifact is unknown or reclaimed.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrBlobNotFound is returned by a BlobStore for an absent key.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrIndexCorrupt marks the search index for a lazy rebuild.
	ErrIndexCorrupt = errors.New("artifact index corrupt")

	// ErrRateLimited is returned when an endpoint exceeds its message rate.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnauthenticated is returned when a message carries a bad token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrEndpointNotFound is returned for an unknown backbone endpoint.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrCircuitOpen is returned while an endpoint's circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// ErrorKind classifies an error for reports and retry decisions.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindGraph       ErrorKind = "graph"
	KindPool        ErrorKind = "pool"
	KindArbitration ErrorKind = "arbitration"
	KindStore       ErrorKind = "store"
	KindTransport   ErrorKind = "transport"
	KindTimeout     ErrorKind = "timeout"
	KindCancelled   ErrorKind = "cancelled"
	KindUpstream    ErrorKind = "upstream"
	KindEngine      ErrorKind = "engine"
	KindExecution   ErrorKind = "execution"
)

// GraphError is a structural rejection. It is never retried.
type GraphError struct {
	Kind error
	Msg  string
	// Path holds the cycle witness for ErrCycle.
	Path []NodeID
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return "graph: " + e.Kind.Error()
	}
	return fmt.Sprintf("graph: %s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

// NewGraphError builds a GraphError of the given kind.
func NewGraphError(kind error, format string, args ...any) *GraphError {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// CycleError builds the GraphError for a cycle witness.
func CycleError(path []NodeID) *GraphError {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = string(p)
	}
	return &GraphError{Kind: ErrCycle, Msg: strings.Join(parts, " -> "), Path: path}
}

// PoolError reports a resource construction or exhaustion failure.
type PoolError struct {
	Spec string
	Op   string
	Err  error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("pool: %s %s: %v", e.Op, e.Spec, e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// ArbitrationDenied is a policy refusal. The caller requeues; it does not retry blindly.
type ArbitrationDenied struct {
	Class  string
	Reason string
}

func (e *ArbitrationDenied) Error() string {
	return fmt.Sprintf("arbitration denied for %s: %s", e.Class, e.Reason)
}

// StoreError reports artifact corruption or absence. It is always surfaced.
type StoreError struct {
	ID  ArtifactID
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.ID.Short(), e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TransportErrorKind classifies backbone failures.
type TransportErrorKind string

const (
	TransportConnectionFailed TransportErrorKind = "connection_failed"
	TransportTimeout          TransportErrorKind = "timeout"
	TransportSendFailed       TransportErrorKind = "send_failed"
	TransportReceiveFailed    TransportErrorKind = "receive_failed"
	TransportConnectionClosed TransportErrorKind = "connection_closed"
	TransportAuth             TransportErrorKind = "auth"
	TransportRateLimited      TransportErrorKind = "rate_limited"
	TransportProtocol         TransportErrorKind = "protocol"
	TransportRemote           TransportErrorKind = "remote"
)

// TransportError reports a backbone failure.
type TransportError struct {
	Kind     TransportErrorKind
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s (%s): %v", e.Kind, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient reports whether retrying may succeed. Auth and protocol failures are fatal.
func (e *TransportError) Transient() bool {
	switch e.Kind {
	case TransportAuth, TransportProtocol, TransportRemote:
		return false
	}
	return true
}

// KindOf maps any error onto the taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		ge *GraphError
		pe *PoolError
		ad *ArbitrationDenied
		se *StoreError
		te *TransportError
	)
	switch {
	case errors.As(err, &ge):
		return KindGraph
	case errors.Is(err, ErrNodeTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrUpstreamFailed):
		return KindUpstream
	case errors.As(err, &pe):
		return KindPool
	case errors.As(err, &ad):
		return KindArbitration
	case errors.As(err, &se):
		return KindStore
	case errors.As(err, &te):
		return KindTransport
	case errors.Is(err, ErrCheckpointCorrupt):
		return KindEngine
	}
	return KindExecution
}

// IsRetryable reports whether an error may succeed on a later attempt.
func IsRetryable(err error) bool {
	var pe *PoolError
	if errors.As(err, &pe) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient()
	}
	return false
}
