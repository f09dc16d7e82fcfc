package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/aretw0/orchestra/pkg/domain"
)

var checkpointPrefix = []byte("checkpoint/")

// Store implements ports.CheckpointStore on a badger database.
type Store struct {
	db *DB
}

// NewStore creates a checkpoint store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func checkpointKey(id domain.WorkflowID) []byte {
	return append(append([]byte(nil), checkpointPrefix...), id...)
}

// Save persists the checkpoint.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.WorkflowID), data)
	})
}

// Load retrieves the checkpoint of id.
func (s *Store) Load(ctx context.Context, id domain.WorkflowID) (*domain.Checkpoint, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCheckpointCorrupt, id, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint of id.
func (s *Store) Delete(ctx context.Context, id domain.WorkflowID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(id))
	})
}

// List returns stored IDs in key order.
func (s *Store) List(ctx context.Context) ([]domain.WorkflowID, error) {
	var ids []domain.WorkflowID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = checkpointPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, domain.WorkflowID(key[len(checkpointPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}
