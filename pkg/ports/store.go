package ports

import (
	"context"

	"github.com/aretw0/orchestra/pkg/domain"
)

// CheckpointStore persists scheduling snapshots, enabling pause and resume.
type CheckpointStore interface {
	// Save persists the checkpoint, replacing any previous one for the workflow.
	Save(ctx context.Context, cp *domain.Checkpoint) error

	// Load retrieves the checkpoint of a workflow.
	// Returns domain.ErrCheckpointNotFound if none exists.
	Load(ctx context.Context, id domain.WorkflowID) (*domain.Checkpoint, error)

	// Delete removes the checkpoint of a workflow. Deleting a missing checkpoint is not an error.
	Delete(ctx context.Context, id domain.WorkflowID) error

	// List returns the IDs of every stored checkpoint.
	List(ctx context.Context) ([]domain.WorkflowID, error)
}

// BlobStore holds opaque payloads under string keys. One instance backs one tier.
type BlobStore interface {
	// Put writes data under key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the data stored under key.
	// Returns domain.ErrBlobNotFound if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
