// Package artifact is a content-addressable, deduplicating payload store.
//
// An artifact's ID is the hex SHA-256 of its payload, so storing the same bytes
// twice yields one physical copy with a reference count of two. Payloads live
// in one ports.BlobStore per tier; moving between tiers copies first and
// switches the tier pointer atomically, so readers never wait on a move.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/adapters/memory"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/ports"
)

// entry is the in-memory record of one physical payload.
type entry struct {
	id          domain.ArtifactID
	size        int64
	contentType string
	producer    string
	metadata    map[string]string
	quality     float64
	createdAt   time.Time

	refs       atomic.Int64
	pins       atomic.Int32
	tier       atomic.Uint32 // domain.Tier
	lastAccess atomic.Int64  // unix nanos
	stale      atomic.Bool
}

func (e *entry) view() domain.Artifact {
	return domain.Artifact{
		ID:          e.id,
		Size:        e.size,
		ContentType: e.contentType,
		Producer:    e.producer,
		Metadata:    e.metadata,
		Quality:     e.quality,
		Tier:        domain.Tier(e.tier.Load()),
		Refs:        e.refs.Load(),
		Pins:        e.pins.Load(),
		Stale:       e.stale.Load(),
		CreatedAt:   e.createdAt,
		LastAccess:  time.Unix(0, e.lastAccess.Load()),
	}
}

// Store is the artifact store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[domain.ArtifactID]*entry
	flight  singleflight.Group

	tiers  map[domain.Tier]ports.BlobStore
	index  *Index
	scorer Scorer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a store. Tiers not configured with WithTier are held in memory.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[domain.ArtifactID]*entry),
		tiers:   make(map[domain.Tier]ports.BlobStore),
		index:   NewIndex(),
		scorer:  NewDefaultScorer(),
		logger:  logging.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range []domain.Tier{domain.TierHot, domain.TierWarm, domain.TierCold} {
		if _, ok := s.tiers[t]; !ok {
			s.tiers[t] = memory.NewBlobStore()
		}
	}
	return s
}

// HashOf returns the ID a payload would be stored under.
func HashOf(payload []byte) domain.ArtifactID {
	sum := sha256.Sum256(payload)
	return domain.ArtifactID(hex.EncodeToString(sum[:]))
}

// Store saves payload and returns its ID. A payload that is already present is
// not written again; its reference count is incremented instead.
func (s *Store) Store(ctx context.Context, payload []byte, meta domain.ArtifactMeta) (domain.ArtifactID, error) {
	id := HashOf(payload)

	if s.ref(id) {
		return id, nil
	}

	_, err, _ := s.flight.Do(string(id), func() (any, error) {
		s.mu.RLock()
		_, exists := s.entries[id]
		s.mu.RUnlock()
		if exists {
			return nil, nil
		}

		if err := s.tiers[domain.TierHot].Put(ctx, string(id), payload); err != nil {
			return nil, &domain.StoreError{ID: id, Op: "store", Err: err}
		}

		now := s.now()
		e := &entry{
			id:          id,
			size:        int64(len(payload)),
			contentType: meta.ContentType,
			producer:    meta.Producer,
			metadata:    copyMeta(meta.Metadata),
			quality:     s.scorer.Score(int64(len(payload)), meta),
			createdAt:   now,
		}
		e.tier.Store(uint32(domain.TierHot))
		e.lastAccess.Store(now.UnixNano())

		s.mu.Lock()
		s.entries[id] = e
		s.mu.Unlock()
		s.index.Add(e.view())

		s.logger.Debug("Artifact stored", "id", id.Short(), "size", e.size, "quality", e.quality)
		return nil, nil
	})
	if err != nil {
		return "", err
	}

	if !s.ref(id) {
		// reclaimed between the write and the ref; extremely unlikely, retry once
		return s.Store(ctx, payload, meta)
	}
	return id, nil
}

// ref increments the reference count of an existing artifact.
func (s *Store) ref(id domain.ArtifactID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.refs.Add(1)
	e.stale.Store(false)
	return true
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func notFound(id domain.ArtifactID, op string) error {
	return &domain.StoreError{ID: id, Op: op, Err: domain.ErrArtifactNotFound}
}

// Retrieve returns the payload of id. The artifact is pinned for the duration
// of the call so it cannot be reclaimed underneath the reader.
func (s *Store) Retrieve(ctx context.Context, id domain.ArtifactID) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	if ok {
		e.pins.Add(1)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id, "retrieve")
	}
	defer e.pins.Add(-1)

	e.lastAccess.Store(s.now().UnixNano())

	// A concurrent tier move may delete the old copy after we read the tier;
	// re-read the tier pointer and try again.
	for attempt := 0; attempt < 3; attempt++ {
		tier := domain.Tier(e.tier.Load())
		data, err := s.tiers[tier].Get(ctx, string(id))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, domain.ErrBlobNotFound) {
			return nil, &domain.StoreError{ID: id, Op: "retrieve", Err: err}
		}
		if domain.Tier(e.tier.Load()) == tier {
			return nil, &domain.StoreError{ID: id, Op: "retrieve", Err: fmt.Errorf("%w: payload missing from %s tier", domain.ErrIndexCorrupt, tier)}
		}
	}
	return nil, notFound(id, "retrieve")
}

// Stat returns the metadata of id without touching the payload.
func (s *Store) Stat(id domain.ArtifactID) (domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Artifact{}, notFound(id, "stat")
	}
	return e.view(), nil
}

// Unref drops one reference. Artifacts with no references become eligible for
// reclamation once they reach the Cold tier.
func (s *Store) Unref(id domain.ArtifactID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return notFound(id, "unref")
	}
	for {
		cur := e.refs.Load()
		if cur <= 0 {
			return nil
		}
		if e.refs.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// Move copies id into tier to and then drops the old copy.
func (s *Store) Move(ctx context.Context, id domain.ArtifactID, to domain.Tier) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return notFound(id, "move")
	}

	from := domain.Tier(e.tier.Load())
	if from == to {
		return nil
	}
	data, err := s.tiers[from].Get(ctx, string(id))
	if err != nil {
		return &domain.StoreError{ID: id, Op: "move", Err: err}
	}
	if err := s.tiers[to].Put(ctx, string(id), data); err != nil {
		return &domain.StoreError{ID: id, Op: "move", Err: err}
	}
	if !e.tier.CompareAndSwap(uint32(from), uint32(to)) {
		// someone else moved it; keep their placement
		_ = s.tiers[to].Delete(ctx, string(id))
		return nil
	}
	if err := s.tiers[from].Delete(ctx, string(id)); err != nil {
		s.logger.Warn("Failed to drop old tier copy", "id", id.Short(), "tier", from, "err", err)
	}
	s.logger.Debug("Artifact moved", "id", id.Short(), "from", from, "to", to)
	return nil
}

// MarkStale moves id to the Cold tier and flags it for reclamation regardless of age.
func (s *Store) MarkStale(ctx context.Context, id domain.ArtifactID) error {
	if err := s.Move(ctx, id, domain.TierCold); err != nil {
		return err
	}
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return notFound(id, "mark_stale")
	}
	e.stale.Store(true)
	return nil
}

// ErrNotReclaimable is returned by Reclaim for artifacts that are referenced,
// pinned or not yet Cold.
var ErrNotReclaimable = errors.New("artifact not reclaimable")

// Reclaim deletes a Cold, unreferenced, unpinned artifact and returns the bytes freed.
func (s *Store) Reclaim(ctx context.Context, id domain.ArtifactID) (int64, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return 0, notFound(id, "reclaim")
	}
	if e.pins.Load() > 0 || e.refs.Load() > 0 || domain.Tier(e.tier.Load()) != domain.TierCold {
		s.mu.Unlock()
		return 0, ErrNotReclaimable
	}
	delete(s.entries, id)
	s.mu.Unlock()

	if err := s.tiers[domain.TierCold].Delete(ctx, string(id)); err != nil {
		return 0, &domain.StoreError{ID: id, Op: "reclaim", Err: err}
	}
	s.logger.Debug("Artifact reclaimed", "id", id.Short(), "size", e.size)
	return e.size, nil
}

// List returns the metadata of every artifact, sorted by ID.
func (s *Store) List() []domain.Artifact {
	s.mu.RLock()
	out := make([]domain.Artifact, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.view())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search returns IDs of live artifacts whose metadata contains every token of query.
// A corrupted index is rebuilt first.
func (s *Store) Search(query string) []domain.ArtifactID {
	if s.index.Corrupt() {
		s.Reindex()
	}
	ids := s.index.Search(query)

	s.mu.RLock()
	defer s.mu.RUnlock()
	live := ids[:0]
	for _, id := range ids {
		if _, ok := s.entries[id]; ok {
			live = append(live, id)
		}
	}
	return live
}

// MarkIndexCorrupt flags the search index for a lazy rebuild.
func (s *Store) MarkIndexCorrupt() {
	s.index.MarkCorrupt()
}

// Reindex rebuilds the search index from live artifacts.
func (s *Store) Reindex() {
	s.index.Rebuild(s.List)
	s.logger.Info("Artifact index rebuilt", "tokens", s.index.Tokens())
}

// Stats summarises the store.
type Stats struct {
	Artifacts   int                   `json:"artifacts"`
	LogicalRefs int64                 `json:"logical_refs"`
	Bytes       map[domain.Tier]int64 `json:"bytes"`
	Count       map[domain.Tier]int   `json:"count"`
}

// Stats returns counts and bytes per tier.
func (s *Store) Stats() Stats {
	st := Stats{
		Bytes: make(map[domain.Tier]int64),
		Count: make(map[domain.Tier]int),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		tier := domain.Tier(e.tier.Load())
		st.Artifacts++
		st.LogicalRefs += e.refs.Load()
		st.Bytes[tier] += e.size
		st.Count[tier]++
	}
	return st
}
