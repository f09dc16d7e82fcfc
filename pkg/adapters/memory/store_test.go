package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/adapters/memory"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/ports"
)

func TestStore_Contract(t *testing.T) {
	ports.RunCheckpointStoreContract(t, memory.NewStore())
}

func TestBlobStore_Contract(t *testing.T) {
	ports.RunBlobStoreContract(t, memory.NewBlobStore())
}

func TestStore_LoadReturnsACopy(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.Save(ctx, &domain.Checkpoint{WorkflowID: "wf", Status: domain.WorkflowPaused}))

	cp, err := s.Load(ctx, "wf")
	require.NoError(t, err)
	cp.Status = domain.WorkflowFailed

	again, err := s.Load(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPaused, again.Status, "callers must not mutate the stored checkpoint")
}

func TestBlobStore_Len(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBlobStore()
	require.NoError(t, b.Put(ctx, "a", []byte("1")))
	require.NoError(t, b.Put(ctx, "b", []byte("2")))
	require.NoError(t, b.Delete(ctx, "a"))
	assert.Equal(t, 1, b.Len())
}
