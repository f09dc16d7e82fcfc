package memory

import (
	"context"
	"sync"

	"github.com/aretw0/orchestra/pkg/domain"
)

// BlobStore implements ports.BlobStore in memory. It backs the Hot tier.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// Put stores a private copy of data.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = cp
	return nil
}

// Get returns a copy of the stored data.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.data[key]
	if !ok {
		return nil, domain.ErrBlobNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes key.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

// Len returns the number of stored blobs.
func (b *BlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}
