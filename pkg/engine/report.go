package engine

import (
	"sort"
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
)

// NodeReport is the outcome of one node.
type NodeReport struct {
	ID       domain.NodeID                `json:"id"`
	Status   domain.NodeStatus            `json:"status"`
	Attempts int                          `json:"attempts,omitempty"`
	Kind     domain.ErrorKind             `json:"kind,omitempty"`
	Error    string                       `json:"error,omitempty"`
	Outputs  map[string]domain.ArtifactID `json:"outputs,omitempty"`
	Duration time.Duration                `json:"duration,omitempty"`
}

// Report describes a workflow run. A failed workflow names its first failing
// node, and Artifacts keeps everything produced before the failure.
type Report struct {
	WorkflowID domain.WorkflowID     `json:"workflow_id"`
	Name       string                `json:"name,omitempty"`
	Status     domain.WorkflowStatus `json:"status"`
	Nodes      []NodeReport          `json:"nodes"`
	Failure    *domain.Failure       `json:"failure,omitempty"`
	Artifacts  []domain.ArtifactID   `json:"artifacts,omitempty"`
	InFlight   []domain.RequestState `json:"in_flight,omitempty"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
	FinishedAt time.Time             `json:"finished_at,omitempty"`
}

// Node returns the report of one node.
func (r *Report) Node(id domain.NodeID) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeReport{}, false
}

// Statuses maps every node to its status.
func (r *Report) Statuses() map[domain.NodeID]domain.NodeStatus {
	out := make(map[domain.NodeID]domain.NodeStatus, len(r.Nodes))
	for _, n := range r.Nodes {
		out[n.ID] = n.Status
	}
	return out
}

// Count returns how many nodes are in status s.
func (r *Report) Count(s domain.NodeStatus) int {
	n := 0
	for _, nr := range r.Nodes {
		if nr.Status == s {
			n++
		}
	}
	return n
}

// Duration is the wall time of the last run segment.
func (r *Report) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Report returns a snapshot of a workflow's progress. Nodes are listed in
// topological order.
func (e *Engine) Report(id domain.WorkflowID) (*Report, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{
		WorkflowID: r.id,
		Name:       r.graph.Workflow().Name,
		Status:     r.status,
		Nodes:      make([]NodeReport, 0, len(r.nodes)),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	if r.failure != nil {
		f := *r.failure
		rep.Failure = &f
	}

	seen := make(map[domain.ArtifactID]struct{})
	for _, id := range r.graph.Order() {
		i, _ := r.graph.Index(id)
		ns := r.nodes[i]
		nr := NodeReport{
			ID:       id,
			Status:   ns.status,
			Attempts: ns.attempts,
			Kind:     ns.kind,
			Error:    ns.err,
		}
		if !ns.started.IsZero() && !ns.finished.IsZero() {
			nr.Duration = ns.finished.Sub(ns.started)
		}
		if len(ns.outputs) > 0 {
			nr.Outputs = make(map[string]domain.ArtifactID, len(ns.outputs))
			for port, a := range ns.outputs {
				nr.Outputs[port] = a
				if _, dup := seen[a]; !dup {
					seen[a] = struct{}{}
					rep.Artifacts = append(rep.Artifacts, a)
				}
			}
		}
		rep.Nodes = append(rep.Nodes, nr)
	}
	sort.Slice(rep.Artifacts, func(i, j int) bool { return rep.Artifacts[i] < rep.Artifacts[j] })

	for _, rs := range r.requests {
		rep.InFlight = append(rep.InFlight, rs)
	}
	sort.Slice(rep.InFlight, func(i, j int) bool { return rep.InFlight[i].Node < rep.InFlight[j].Node })
	return rep, nil
}
