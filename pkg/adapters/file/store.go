// Package file provides filesystem adapters: a checkpoint store, a blob
// store for the cold artifact tier and a YAML/JSON workflow loader.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Store implements ports.CheckpointStore using the local filesystem.
// It stores one JSON file per workflow in a configured directory.
type Store struct {
	BasePath string
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".orchestra/checkpoints".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".orchestra", "checkpoints")
	}
	return &Store{BasePath: basePath}
}

func (s *Store) path(id domain.WorkflowID) (string, error) {
	name := string(id)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid workflow id %q", name)
	}
	return filepath.Join(s.BasePath, name+".json"), nil
}

// Save persists the checkpoint atomically.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	dest, err := s.path(cp.WorkflowID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return writeAtomic(s.BasePath, dest, data)
}

// writeAtomic writes to a temp file in dir, fsyncs it and renames it over dest.
func writeAtomic(dir, dest string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure directory: %w", err)
	}

	// same directory, so the rename stays on one filesystem
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Windows refuses to rename over an existing file.
	if _, err := os.Stat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("failed to remove existing file for overwrite: %w", err)
		}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load retrieves the checkpoint of id.
func (s *Store) Load(ctx context.Context, id domain.WorkflowID) (*domain.Checkpoint, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCheckpointCorrupt, id, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint file.
func (s *Store) Delete(ctx context.Context, id domain.WorkflowID) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// List returns all stored workflow IDs.
func (s *Store) List(ctx context.Context) ([]domain.WorkflowID, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.WorkflowID{}, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var ids []domain.WorkflowID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		ids = append(ids, domain.WorkflowID(strings.TrimSuffix(name, ".json")))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
