package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/orchestra/pkg/domain"
)

// BlobStore implements ports.BlobStore with one file per key, sharded into
// subdirectories by the first two characters of the key.
type BlobStore struct {
	BasePath string
}

// NewBlobStore creates a blob store rooted at basePath.
func NewBlobStore(basePath string) *BlobStore {
	return &BlobStore{BasePath: basePath}
}

func (b *BlobStore) paths(key string) (dir, file string, err error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", "", fmt.Errorf("invalid blob key %q", key)
	}
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	dir = filepath.Join(b.BasePath, shard)
	return dir, filepath.Join(dir, key), nil
}

// Put writes data under key atomically.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	dir, p, err := b.paths(key)
	if err != nil {
		return err
	}
	return writeAtomic(dir, p, data)
}

// Get reads the data stored under key.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	_, p, err := b.paths(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes key.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	_, p, err := b.paths(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}
