package ports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint(id domain.WorkflowID) *domain.Checkpoint {
	return &domain.Checkpoint{
		Version:    domain.CheckpointVersion,
		WorkflowID: id,
		Workflow: domain.Workflow{
			ID:    id,
			Nodes: []domain.Node{{ID: "a", Handler: "noop"}, {ID: "b", Handler: "noop"}},
			Edges: []domain.Edge{{From: "a", To: "b"}},
		},
		Status: domain.WorkflowPaused,
		Ready:  []domain.NodeID{"b"},
		Nodes: map[domain.NodeID]domain.NodeCheckpoint{
			"a": {Status: domain.NodeCompleted, Outputs: map[string]domain.ArtifactID{"out": "abc123"}},
			"b": {Status: domain.NodeReady},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Checksum:  "deadbeef",
	}
}

// RunCheckpointStoreContract runs a suite of tests to verify that a CheckpointStore
// implementation adheres to the defined interface contract.
func RunCheckpointStoreContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()
	id := domain.WorkflowID("contract-wf-" + time.Now().Format("20060102150405"))

	t.Run("Save and Load", func(t *testing.T) {
		cp := sampleCheckpoint(id)
		require.NoError(t, store.Save(ctx, cp), "Save should not return error")

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, cp.WorkflowID, loaded.WorkflowID)
		assert.Equal(t, cp.Status, loaded.Status)
		assert.Equal(t, cp.Ready, loaded.Ready)
		assert.Equal(t, domain.ArtifactID("abc123"), loaded.Nodes["a"].Outputs["out"])
		assert.Len(t, loaded.Workflow.Nodes, 2)
		assert.Equal(t, cp.Checksum, loaded.Checksum)
	})

	t.Run("Save Overwrites", func(t *testing.T) {
		cp := sampleCheckpoint(id)
		cp.Status = domain.WorkflowRunning
		require.NoError(t, store.Save(ctx, cp))

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowRunning, loaded.Status)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+id)
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sampleCheckpoint(id)))
		require.NoError(t, store.Delete(ctx, id), "Delete should not return error")

		_, err := store.Load(ctx, id)
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound, "Load after Delete should return ErrCheckpointNotFound")
		assert.NoError(t, store.Delete(ctx, id), "Deleting twice should be a no-op")
	})

	t.Run("List", func(t *testing.T) {
		id1 := id + "-1"
		id2 := id + "-2"
		require.NoError(t, store.Save(ctx, sampleCheckpoint(id1)))
		require.NoError(t, store.Save(ctx, sampleCheckpoint(id2)))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
	})
}

// RunBlobStoreContract verifies a BlobStore implementation.
func RunBlobStoreContract(t *testing.T, store BlobStore) {
	ctx := context.Background()
	key := fmt.Sprintf("contract-blob-%d", time.Now().UnixNano())

	t.Run("Put and Get", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, key, []byte("payload")))
		data, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), data)
	})

	t.Run("Get Returns A Copy", func(t *testing.T) {
		data, err := store.Get(ctx, key)
		require.NoError(t, err)
		data[0] = 'X'
		again, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, byte('p'), again[0])
	})

	t.Run("Get Missing", func(t *testing.T) {
		_, err := store.Get(ctx, key+"-missing")
		assert.ErrorIs(t, err, domain.ErrBlobNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))
		_, err := store.Get(ctx, key)
		assert.ErrorIs(t, err, domain.ErrBlobNotFound)
		assert.NoError(t, store.Delete(ctx, key))
	})
}
