package ports

import (
	"context"

	"github.com/aretw0/orchestra/pkg/domain"
)

// WorkflowLoader retrieves workflow definitions from a source (files, Loam, memory).
type WorkflowLoader interface {
	// Load returns the workflow named by ref.
	Load(ctx context.Context, ref string) (*domain.Workflow, error)

	// List returns the refs available from this source.
	List(ctx context.Context) ([]string, error)
}

// ResourceLoader constructs and tears down pooled execution resources.
// Load is the cold path of the pool: it may block on I/O.
type ResourceLoader interface {
	// Load constructs the resource described by spec.
	Load(ctx context.Context, spec domain.ResourceSpec) (any, error)

	// Warm prepares a loaded resource for use (caches, JIT, first inference).
	Warm(ctx context.Context, spec domain.ResourceSpec, resource any) error

	// Unload releases the resource.
	Unload(ctx context.Context, spec domain.ResourceSpec, resource any) error
}
