package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/aretw0/orchestra/pkg/domain"
)

// BlobStore implements ports.BlobStore on a badger database.
type BlobStore struct {
	db     *DB
	prefix []byte
}

// NewBlobStore stores the blobs of one tier under "blob/<tier>/".
func NewBlobStore(db *DB, tier domain.Tier) *BlobStore {
	return &BlobStore{db: db, prefix: []byte("blob/" + tier.String() + "/")}
}

func (b *BlobStore) key(k string) []byte {
	return append(append([]byte(nil), b.prefix...), k...)
}

// Put writes data under key.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(key), data)
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

// Get returns a copy of the data stored under key.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes key.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(key))
	})
}
