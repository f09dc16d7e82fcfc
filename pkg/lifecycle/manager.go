// Package lifecycle demotes and reclaims artifacts in the background.
//
// A pass walks the store once: Hot artifacts idle for HotTTL move to Warm, Warm
// artifacts idle for WarmTTL move to Cold, and Cold artifacts with no
// references that have been idle for ReclaimAfter (or were marked stale) are
// deleted. Pinned artifacts are never reclaimed. An artifact shared by several
// workflows stays in Hot and Warm longer: each reference beyond the first adds
// one TTL, up to maxShareBoost TTLs.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/artifact"
	"github.com/aretw0/orchestra/pkg/domain"
)

// Policy holds the age thresholds of a pass.
type Policy struct {
	HotTTL       time.Duration `yaml:"hot_ttl" validate:"gt=0"`
	WarmTTL      time.Duration `yaml:"warm_ttl" validate:"gt=0"`
	ReclaimAfter time.Duration `yaml:"reclaim_after" validate:"gte=0"`
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
}

const maxShareBoost = 4

// DefaultPolicy is used when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{
		HotTTL:       10 * time.Minute,
		WarmTTL:      time.Hour,
		ReclaimAfter: 24 * time.Hour,
		Interval:     time.Minute,
	}
}

// CleanupReport describes one pass.
type CleanupReport struct {
	Demoted    int           `json:"demoted"`
	Reclaimed  int           `json:"reclaimed"`
	BytesFreed int64         `json:"bytes_freed"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// Manager runs lifecycle passes against an artifact store.
type Manager struct {
	store  *artifact.Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time
	onPass func(CleanupReport)

	mu      sync.Mutex
	running bool
	last    CleanupReport
}

// Option configures the Manager.
type Option func(*Manager)

// WithPolicy sets the thresholds.
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source used to compute idle ages.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithReportHook is called after every pass (metrics, logs).
func WithReportHook(fn func(CleanupReport)) Option {
	return func(m *Manager) {
		m.onPass = fn
	}
}

// New creates a lifecycle manager for store.
func New(store *artifact.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		policy: DefaultPolicy(),
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce performs a single pass. Individual failures are logged and counted;
// the pass continues with the next artifact.
func (m *Manager) RunOnce(ctx context.Context) CleanupReport {
	start := m.now()
	var rep CleanupReport

	for _, a := range m.store.List() {
		if ctx.Err() != nil {
			break
		}
		idle := start.Sub(a.LastAccess)

		switch a.Tier {
		case domain.TierHot:
			if idle >= shared(m.policy.HotTTL, a.Refs) {
				m.move(ctx, a, domain.TierWarm, &rep)
			}
		case domain.TierWarm:
			if idle >= shared(m.policy.WarmTTL, a.Refs) {
				m.move(ctx, a, domain.TierCold, &rep)
			}
		case domain.TierCold:
			if a.Refs > 0 || a.Pins > 0 {
				continue
			}
			if !a.Stale && idle < m.policy.ReclaimAfter {
				continue
			}
			freed, err := m.store.Reclaim(ctx, a.ID)
			switch {
			case err == nil:
				rep.Reclaimed++
				rep.BytesFreed += freed
			case errors.Is(err, artifact.ErrNotReclaimable), errors.Is(err, domain.ErrArtifactNotFound):
				// changed since the listing
			default:
				rep.Errors++
				m.logger.Warn("Failed to reclaim artifact", "id", a.ID.Short(), "err", err)
			}
		}
	}

	rep.Duration = m.now().Sub(start)

	m.mu.Lock()
	m.last = rep
	m.mu.Unlock()

	if rep.Demoted+rep.Reclaimed+rep.Errors > 0 {
		m.logger.Info("Lifecycle pass finished",
			"demoted", rep.Demoted,
			"reclaimed", rep.Reclaimed,
			"bytes_freed", rep.BytesFreed,
			"errors", rep.Errors,
			"duration", rep.Duration)
	}
	if m.onPass != nil {
		m.onPass(rep)
	}
	return rep
}

// shared stretches ttl by the number of references, capped at maxShareBoost.
func shared(ttl time.Duration, refs int64) time.Duration {
	return ttl * time.Duration(min(max(refs, 1), maxShareBoost))
}

func (m *Manager) move(ctx context.Context, a domain.Artifact, to domain.Tier, rep *CleanupReport) {
	if err := m.store.Move(ctx, a.ID, to); err != nil {
		if errors.Is(err, domain.ErrArtifactNotFound) {
			return
		}
		rep.Errors++
		m.logger.Warn("Failed to demote artifact", "id", a.ID.Short(), "to", to, "err", err)
		return
	}
	rep.Demoted++
}

// MarkStale forces id to Cold so the next pass reclaims it once unreferenced.
func (m *Manager) MarkStale(ctx context.Context, id domain.ArtifactID) error {
	return m.store.MarkStale(ctx, id)
}

// Last returns the report of the most recent pass.
func (m *Manager) Last() CleanupReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run executes passes every Interval until ctx ends. It returns ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("lifecycle manager already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}
