package redis

import (
	"context"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/orchestra/pkg/domain"
)

// BlobStore implements ports.BlobStore using Redis strings. It suits the
// warm tier: shared between processes but still memory-resident.
type BlobStore struct {
	client *backend.Client
	prefix string
}

// NewBlobStore stores blobs under prefix+"blob:"+tier+":".
func NewBlobStore(client *backend.Client, prefix string, tier domain.Tier) *BlobStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &BlobStore{client: client, prefix: prefix + "blob:" + tier.String() + ":"}
}

// Put writes data under key.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := b.client.Set(ctx, b.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put blob %s: %w", key, err)
	}
	return nil
}

// Get returns the data stored under key.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("failed to get blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes key.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.prefix+key).Err()
}
