package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/ports"
)

// DefaultTTL bounds how long a distributed lease survives a crashed holder.
const DefaultTTL = 30 * time.Second

// Release gives a lease back. It is safe to call more than once.
type Release func()

// lockEntry is a ctx-aware mutex with a reference count.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// Manager hands out per-workflow leases.
// It uses reference counting to garbage collect unused locks.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	locker ports.DistributedLocker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithTTL sets the distributed lock TTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a lease manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) acquire(key string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		m.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, key)
	}
}

// Acquire blocks until the lease for key is held or ctx ends.
func (m *Manager) Acquire(ctx context.Context, key string) (Release, error) {
	entry := m.acquire(key)

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key)
		return nil, ctx.Err()
	}

	var unlock ports.UnlockFunc
	if m.locker != nil {
		var err error
		unlock, err = m.locker.Lock(ctx, key, m.ttl)
		if err != nil {
			<-entry.sem
			m.release(key)
			return nil, fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if unlock != nil {
				// the caller's ctx may already be gone; the unlock must still go out
				if err := unlock(context.Background()); err != nil {
					m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
						"workflow_id", key,
						"err", err,
					)
				}
			}
			<-entry.sem
			m.release(key)
		})
	}, nil
}

// WithLease executes fn while holding the lease for key.
func (m *Manager) WithLease(ctx context.Context, key string, fn func(context.Context) error) error {
	release, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Held returns how many keys have a holder or a waiter.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
