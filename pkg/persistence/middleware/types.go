// Package middleware wraps persistence ports with cross-cutting behaviour.
// Wrappers compose: the outermost middleware sees plaintext values.
package middleware

import "github.com/aretw0/orchestra/pkg/ports"

// CheckpointMiddleware wraps a CheckpointStore to add behavior.
type CheckpointMiddleware func(ports.CheckpointStore) ports.CheckpointStore

// BlobMiddleware wraps a BlobStore to add behavior.
type BlobMiddleware func(ports.BlobStore) ports.BlobStore
