package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/orchestra/pkg/arbitration"
	"github.com/aretw0/orchestra/pkg/artifact"
	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/lease"
	"github.com/aretw0/orchestra/pkg/pool"
	"github.com/aretw0/orchestra/pkg/ports"
	"github.com/aretw0/orchestra/pkg/registry"
)

// Invoker sends a node to a remote executor. *backbone.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, inv backbone.Invocation) (*backbone.Result, error)
}

// Option configures the Engine.
type Option func(*Engine)

// WithRegistry sets the in-process handler registry.
func WithRegistry(r *registry.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithArbiter shares an arbiter with other engines.
func WithArbiter(a *arbitration.Arbiter) Option {
	return func(e *Engine) { e.arbiter = a }
}

// WithPool enables resource allocation for nodes that declare a resource.
func WithPool(p *pool.Manager) Option {
	return func(e *Engine) { e.pool = p }
}

// WithArtifacts sets the artifact store outputs are written to.
func WithArtifacts(s *artifact.Store) Option {
	return func(e *Engine) { e.artifacts = s }
}

// WithRemote enables remote dispatch.
func WithRemote(inv Invoker) Option {
	return func(e *Engine) { e.remote = inv }
}

// WithCheckpointStore sets where pause snapshots are kept.
func WithCheckpointStore(s ports.CheckpointStore) Option {
	return func(e *Engine) { e.checkpoints = s }
}

// WithLease sets the lease manager guarding run ownership.
func WithLease(m *lease.Manager) Option {
	return func(e *Engine) { e.leases = m }
}

// WithHooks registers lifecycle hooks. It may be given more than once.
func WithHooks(h domain.LifecycleHooks) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h) }
}

// WithLogger configures a logger for the Engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRetry overrides DefaultRetryPolicy.
func WithRetry(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithMaxParallel bounds how many nodes of one run execute at once. Zero means unbounded.
func WithMaxParallel(n int) Option {
	return func(e *Engine) { e.maxParallel = n }
}

// WithCheckpointEveryNode saves a checkpoint after every node completion,
// not only on pause, so a crashed process can be resumed elsewhere.
func WithCheckpointEveryNode() Option {
	return func(e *Engine) { e.eagerCheckpoint = true }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}
