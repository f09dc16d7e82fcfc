// Package redis provides Redis-backed checkpoint, blob and lock adapters.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/orchestra/pkg/domain"
)

// DefaultPrefix namespaces every key the adapters write.
const DefaultPrefix = "orchestra:"

// Store implements ports.CheckpointStore using Redis.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for checkpoints.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewClient dials Redis with the common connection settings.
func NewClient(address, password string, db int) *backend.Client {
	return backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	return NewFromClient(NewClient(address, password, db), opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) key(id domain.WorkflowID) string {
	return s.prefix + "checkpoint:" + string(id)
}

func (s *Store) indexKey() string {
	return s.prefix + "checkpoint:index"
}

// Save persists the checkpoint to Redis.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(cp.WorkflowID), data, s.ttl)

	// Score is the expiry time so List can prune lazily.
	score := float64(time.Now().Add(s.ttl).Unix())
	if s.ttl == 0 {
		score = 4102444800 // 2100-01-01
	}
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  score,
		Member: string(cp.WorkflowID),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Load retrieves the checkpoint from Redis.
func (s *Store) Load(ctx context.Context, id domain.WorkflowID) (*domain.Checkpoint, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(val, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCheckpointCorrupt, id, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint.
func (s *Store) Delete(ctx context.Context, id domain.WorkflowID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), string(id))
	_, err := pipe.Exec(ctx)
	return err
}

// List returns stored checkpoint IDs, pruning expired index entries first.
func (s *Store) List(ctx context.Context) ([]domain.WorkflowID, error) {
	now := float64(time.Now().Unix())
	err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired checkpoints: %w", err)
	}

	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	ids := make([]domain.WorkflowID, len(members))
	for i, m := range members {
		ids[i] = domain.WorkflowID(m)
	}
	return ids, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
