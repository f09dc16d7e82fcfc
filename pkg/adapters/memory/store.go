package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Store implements ports.CheckpointStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[domain.WorkflowID][]byte
	mu   sync.RWMutex
}

// NewStore creates a new in-memory checkpoint store.
func NewStore() *Store {
	return &Store{
		data: make(map[domain.WorkflowID][]byte),
	}
}

// Save persists the checkpoint in memory.
// It keeps the encoded form so callers can't mutate stored state by pointer.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[cp.WorkflowID] = data
	return nil
}

// Load retrieves the checkpoint from memory.
func (s *Store) Load(ctx context.Context, id domain.WorkflowID) (*domain.Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrCheckpointNotFound
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCheckpointCorrupt, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint.
func (s *Store) Delete(ctx context.Context, id domain.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// List returns stored workflow IDs in ascending order.
func (s *Store) List(ctx context.Context) ([]domain.WorkflowID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]domain.WorkflowID, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
