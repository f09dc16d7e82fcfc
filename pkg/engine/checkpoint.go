package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/graph"
)

// snapshot captures the scheduling state. Caller holds mu.
func (r *run) snapshot() *domain.Checkpoint {
	cp := &domain.Checkpoint{
		Version:    domain.CheckpointVersion,
		WorkflowID: r.id,
		Workflow:   *r.graph.Workflow(),
		Status:     r.status,
		Ready:      make([]domain.NodeID, 0, len(r.ready)),
		Nodes:      make(map[domain.NodeID]domain.NodeCheckpoint, len(r.nodes)),
		CreatedAt:  r.engine.now().UTC(),
	}
	for _, idx := range r.ready {
		cp.Ready = append(cp.Ready, r.graph.ID(idx))
	}
	for i, ns := range r.nodes {
		nc := domain.NodeCheckpoint{
			Status:   ns.status,
			Attempts: ns.attempts,
			Kind:     ns.kind,
			Error:    ns.err,
		}
		if len(ns.outputs) > 0 {
			nc.Outputs = make(map[string]domain.ArtifactID, len(ns.outputs))
			for k, v := range ns.outputs {
				nc.Outputs[k] = v
			}
		}
		cp.Nodes[r.graph.ID(i)] = nc
	}
	for _, rs := range r.requests {
		cp.InFlight = append(cp.InFlight, rs)
	}
	sort.Slice(cp.InFlight, func(i, j int) bool { return cp.InFlight[i].Node < cp.InFlight[j].Node })
	if r.failure != nil {
		f := *r.failure
		cp.Failure = &f
	}
	return cp
}

// checksum hashes the checkpoint without its Checksum field. The checkpoint is
// normalised through one JSON round trip first so the sum is stable across stores.
func checksum(cp *domain.Checkpoint) (string, error) {
	c := *cp
	c.Checksum = ""
	raw, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	var norm domain.Checkpoint
	if err := json.Unmarshal(raw, &norm); err != nil {
		return "", fmt.Errorf("normalise for checksum: %w", err)
	}
	raw, err = json.Marshal(&norm)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// verify rejects a checkpoint whose checksum or version does not match.
func verify(cp *domain.Checkpoint) error {
	if cp.Version != domain.CheckpointVersion {
		return fmt.Errorf("%w: %s: version %d, want %d", domain.ErrCheckpointCorrupt, cp.WorkflowID, cp.Version, domain.CheckpointVersion)
	}
	sum, err := checksum(cp)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrCheckpointCorrupt, cp.WorkflowID, err)
	}
	if sum != cp.Checksum {
		return fmt.Errorf("%w: %s: checksum mismatch", domain.ErrCheckpointCorrupt, cp.WorkflowID)
	}
	return nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	sum, err := checksum(cp)
	if err != nil {
		return err
	}
	cp.Checksum = sum
	return e.checkpoints.Save(ctx, cp)
}

// restore rebuilds a run from a verified checkpoint. Completed, failed and
// skipped nodes keep their outcome; nodes that were running are scheduled again.
func (e *Engine) restore(cp *domain.Checkpoint) (*run, error) {
	wf := cp.Workflow.Clone()
	wf.ID = cp.WorkflowID
	c, err := graph.Compile(wf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: stored workflow invalid: %v", domain.ErrCheckpointCorrupt, cp.WorkflowID, err)
	}

	r := e.newRun(cp.WorkflowID, c)
	r.ready = nil
	for i := range r.nodes {
		id := c.ID(i)
		nc, ok := cp.Nodes[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s: node %s missing", domain.ErrCheckpointCorrupt, cp.WorkflowID, id)
		}
		ns := &r.nodes[i]
		ns.attempts = nc.Attempts
		switch nc.Status {
		case domain.NodeCompleted, domain.NodeFailed, domain.NodeSkipped:
			ns.status = nc.Status
			ns.outputs = nc.Outputs
			ns.kind = nc.Kind
			ns.err = nc.Error
		default:
			ns.status = domain.NodePending
		}
	}
	for i := range r.nodes {
		if r.nodes[i].status == domain.NodeFailed {
			r.skipDependents(i)
		}
	}
	for i := range r.nodes {
		r.remaining[i] = 0
		for _, p := range c.Predecessors(i) {
			if r.nodes[p].status != domain.NodeCompleted {
				r.remaining[i]++
			}
		}
		if r.nodes[i].status == domain.NodePending && r.remaining[i] == 0 {
			r.nodes[i].status = domain.NodeReady
			r.ready = append(r.ready, i)
		}
	}
	if cp.Failure != nil {
		f := *cp.Failure
		r.failure = &f
	}
	return r, nil
}
