package artifact

import (
	"log/slog"
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/ports"
)

// Option configures the Store.
type Option func(*Store)

// WithTier sets the blob store backing a tier.
func WithTier(tier domain.Tier, blobs ports.BlobStore) Option {
	return func(s *Store) {
		s.tiers[tier] = blobs
	}
}

// WithScorer replaces the quality scorer.
func WithScorer(scorer Scorer) Option {
	return func(s *Store) {
		s.scorer = scorer
	}
}

// WithLogger configures a logger for the Store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}
