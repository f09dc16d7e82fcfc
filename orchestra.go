package orchestra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/loam"

	"github.com/aretw0/orchestra/internal/config"
	"github.com/aretw0/orchestra/internal/logging"
	badgerAdapter "github.com/aretw0/orchestra/pkg/adapters/badger"
	"github.com/aretw0/orchestra/pkg/adapters/file"
	httpAdapter "github.com/aretw0/orchestra/pkg/adapters/http"
	loamAdapter "github.com/aretw0/orchestra/pkg/adapters/loam"
	"github.com/aretw0/orchestra/pkg/adapters/memory"
	"github.com/aretw0/orchestra/pkg/adapters/process"
	redisAdapter "github.com/aretw0/orchestra/pkg/adapters/redis"
	"github.com/aretw0/orchestra/pkg/arbitration"
	"github.com/aretw0/orchestra/pkg/artifact"
	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/engine"
	"github.com/aretw0/orchestra/pkg/lease"
	"github.com/aretw0/orchestra/pkg/lifecycle"
	"github.com/aretw0/orchestra/pkg/observability"
	"github.com/aretw0/orchestra/pkg/persistence/middleware"
	"github.com/aretw0/orchestra/pkg/pool"
	"github.com/aretw0/orchestra/pkg/ports"
	"github.com/aretw0/orchestra/pkg/registry"
)

// Version is overridden at build time with -ldflags "-X github.com/aretw0/orchestra.Version=...".
var Version = "dev"

// Orchestra is a fully wired execution core.
type Orchestra struct {
	Engine    *engine.Engine
	Metrics   *observability.Metrics
	Streams   *httpAdapter.StreamManager
	Backbone  *backbone.Client
	Lifecycle *lifecycle.Manager
	// Loader is nil when no workflow directory is configured.
	Loader ports.WorkflowLoader

	auth    *backbone.Authenticator
	limiter *backbone.Limiter
	pool    *pool.Manager
	logger  *slog.Logger
	closers []func(context.Context) error

	handlers  map[string]registry.Handler
	resources ports.ResourceLoader
	hooks     []domain.LifecycleHooks
}

// Option configures the Orchestra.
type Option func(*Orchestra)

// WithLogger sets a custom structured logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestra) {
		o.logger = logger
	}
}

// WithHandler registers an in-process handler next to the builtins.
func WithHandler(name string, h registry.Handler) Option {
	return func(o *Orchestra) {
		o.handlers[name] = h
	}
}

// WithResourceLoader sets how pooled resources are constructed. Without one,
// a resource is its spec: handlers read the configuration from it directly.
func WithResourceLoader(l ports.ResourceLoader) Option {
	return func(o *Orchestra) {
		o.resources = l
	}
}

// WithLifecycleHooks registers additional observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(o *Orchestra) {
		o.hooks = append(o.hooks, hooks)
	}
}

// tiers collects where checkpoints and artifact payloads are kept.
type tiers struct {
	checkpoints ports.CheckpointStore
	warm, cold  ports.BlobStore
	locker      ports.DistributedLocker
}

// New builds every component described by cfg. Close releases what it opened.
func New(cfg config.Config, opts ...Option) (*Orchestra, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestra{
		handlers:  make(map[string]registry.Handler),
		resources: specResources{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}

	t, err := o.openStores(cfg)
	if err != nil {
		_ = o.Close(context.Background())
		return nil, err
	}
	if err := o.seal(cfg.Encryption, &t); err != nil {
		_ = o.Close(context.Background())
		return nil, err
	}

	o.Metrics = observability.NewMetrics()
	o.Streams = httpAdapter.NewStreamManager(o.logger)

	artifactOpts := []artifact.Option{artifact.WithLogger(o.logger)}
	if t.warm != nil {
		artifactOpts = append(artifactOpts, artifact.WithTier(domain.TierWarm, t.warm))
	}
	if t.cold != nil {
		artifactOpts = append(artifactOpts, artifact.WithTier(domain.TierCold, t.cold))
	}
	artifacts := artifact.New(artifactOpts...)
	o.Metrics.WatchArtifacts(artifacts)

	o.pool = pool.New(o.resources, poolOptions(cfg.Pool, o.Metrics, o.logger)...)
	o.Metrics.WatchPool(o.pool)
	o.closers = append(o.closers, o.pool.Close)

	arbiter := arbitration.New(arbitrationOptions(cfg.Arbitration, o.Metrics, o.logger)...)

	leaseOpts := []lease.Option{lease.WithLogger(o.logger)}
	if cfg.Store.LeaseTTL > 0 {
		leaseOpts = append(leaseOpts, lease.WithTTL(cfg.Store.LeaseTTL))
	}
	if t.locker != nil {
		leaseOpts = append(leaseOpts, lease.WithLocker(t.locker))
	}

	if err := o.connectBackbone(cfg.Backbone); err != nil {
		_ = o.Close(context.Background())
		return nil, err
	}

	reg := registry.NewRegistry()
	registry.RegisterBuiltins(reg)
	for name, h := range o.handlers {
		reg.Register(name, h)
	}

	engineOpts := []engine.Option{
		engine.WithRegistry(reg),
		engine.WithArbiter(arbiter),
		engine.WithPool(o.pool),
		engine.WithArtifacts(artifacts),
		engine.WithRemote(o.Backbone),
		engine.WithCheckpointStore(t.checkpoints),
		engine.WithLease(lease.New(leaseOpts...)),
		engine.WithLogger(o.logger),
		engine.WithRetry(cfg.Engine.Retry),
		engine.WithMaxParallel(cfg.Engine.MaxParallel),
		engine.WithHooks(o.Metrics.Hooks()),
		engine.WithHooks(observability.LoggingHooks(o.logger)),
		engine.WithHooks(o.Streams.Hooks()),
	}
	for _, h := range o.hooks {
		engineOpts = append(engineOpts, engine.WithHooks(h))
	}
	if cfg.Engine.CheckpointEveryNode {
		engineOpts = append(engineOpts, engine.WithCheckpointEveryNode())
	}
	o.Engine = engine.New(engineOpts...)

	o.Lifecycle = lifecycle.New(artifacts,
		lifecycle.WithPolicy(cfg.Lifecycle),
		lifecycle.WithReportHook(o.Metrics.ObserveCleanup),
		lifecycle.WithLogger(o.logger),
	)

	if cfg.Engine.Workflows != "" {
		loader, err := OpenLoader(cfg.Engine.Loader, cfg.Engine.Workflows)
		if err != nil {
			_ = o.Close(context.Background())
			return nil, err
		}
		o.Loader = loader
	}
	return o, nil
}

func (o *Orchestra) openStores(cfg config.Config) (tiers, error) {
	var t tiers
	sc := cfg.Store

	switch sc.Backend {
	case config.BackendFile:
		t.checkpoints = file.New(sc.Path)
	case config.BackendRedis:
		client := redisAdapter.NewClient(sc.RedisAddr, sc.RedisPassword, sc.RedisDB)
		o.closers = append(o.closers, func(context.Context) error { return client.Close() })
		t.checkpoints = redisAdapter.NewFromClient(client, redisAdapter.WithTTL(sc.TTL))
		t.warm = redisAdapter.NewBlobStore(client, redisAdapter.DefaultPrefix, domain.TierWarm)
		t.locker = redisAdapter.NewLocker(client, redisAdapter.DefaultPrefix)
	case config.BackendBadger:
		db, err := o.openBadger(sc.Path)
		if err != nil {
			return t, err
		}
		t.checkpoints = badgerAdapter.NewStore(db)
		t.warm = badgerAdapter.NewBlobStore(db, domain.TierWarm)
		t.cold = badgerAdapter.NewBlobStore(db, domain.TierCold)
	default:
		t.checkpoints = memory.NewStore()
	}

	// Explicit tier paths override the backend's placement.
	if p := cfg.Artifacts.WarmPath; p != "" {
		db, err := o.openBadger(p)
		if err != nil {
			return t, err
		}
		t.warm = badgerAdapter.NewBlobStore(db, domain.TierWarm)
	}
	if p := cfg.Artifacts.ColdPath; p != "" {
		t.cold = file.NewBlobStore(p)
	}
	return t, nil
}

func (o *Orchestra) openBadger(path string) (*badgerAdapter.DB, error) {
	bcfg := badgerAdapter.DefaultConfig(path)
	bcfg.Logger = o.logger
	db, err := badgerAdapter.Open(bcfg)
	if err != nil {
		return nil, err
	}
	o.closers = append(o.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

// seal wraps the persistent stores with at-rest encryption when a key is set.
func (o *Orchestra) seal(ec config.EncryptionConfig, t *tiers) error {
	if ec.Key == "" {
		return nil
	}
	keys, err := middleware.ParseKeys(ec.Key, ec.Fallback)
	if err != nil {
		return err
	}
	sealCheckpoints, err := middleware.NewCheckpointEncryption(keys)
	if err != nil {
		return err
	}
	sealBlobs, err := middleware.NewBlobEncryption(keys)
	if err != nil {
		return err
	}
	t.checkpoints = sealCheckpoints(t.checkpoints)
	if t.warm != nil {
		t.warm = sealBlobs(t.warm)
	}
	if t.cold != nil {
		t.cold = sealBlobs(t.cold)
	}
	return nil
}

func (o *Orchestra) connectBackbone(bc config.BackboneConfig) error {
	o.auth = backbone.NewAuthenticator(bc.Tokens)
	o.limiter = backbone.NewLimiter(bc.DefaultLimit, bc.Limits)

	clientOpts := []backbone.ClientOption{
		backbone.WithAuthenticator(o.auth),
		backbone.WithLimiter(o.limiter),
		backbone.WithClientLogger(o.logger),
	}
	if bc.Name != "" {
		clientOpts = append(clientOpts, backbone.WithName(bc.Name))
	}
	if bc.RequestTimeout > 0 {
		clientOpts = append(clientOpts, backbone.WithRequestTimeout(bc.RequestTimeout))
	}
	o.Backbone = backbone.NewClient(clientOpts...)
	o.closers = append(o.closers, func(context.Context) error { return o.Backbone.Close() })

	if bc.Executors == "" {
		return nil
	}
	execs, err := process.LoadExecutors(bc.Executors)
	if err != nil {
		return err
	}
	process.RegisterAll(o.Backbone, execs, process.WithLogger(o.logger))
	o.logger.Debug("Registered executors", "count", len(execs))
	return nil
}

func poolOptions(pc config.PoolConfig, m *observability.Metrics, logger *slog.Logger) []pool.Option {
	opts := []pool.Option{pool.WithMetrics(m), pool.WithLogger(logger)}
	if pc.MaxResident > 0 {
		opts = append(opts, pool.WithMaxResident(pc.MaxResident))
	}
	if pc.PrewarmTimeout > 0 {
		opts = append(opts, pool.WithPrewarmTimeout(pc.PrewarmTimeout))
	}
	if pw := pc.Prewarm; pw.Size > 0 {
		opts = append(opts, pool.WithPrewarmer(pool.NewFrequencyPrewarmer(pw.Size, pw.MinSupport, pw.Fanout)))
	}
	return opts
}

func arbitrationOptions(ac config.ArbitrationConfig, m *observability.Metrics, logger *slog.Logger) []arbitration.Option {
	opts := []arbitration.Option{arbitration.WithObserver(m), arbitration.WithLogger(logger)}
	if ac.Quota > 0 {
		opts = append(opts, arbitration.WithQuota(ac.Quota))
	}
	for name, c := range ac.Classes {
		opts = append(opts, arbitration.WithClass(name, arbitration.ClassConfig{Capacity: c.Capacity, MaxQueue: c.MaxQueue}))
	}
	if ac.Strict {
		opts = append(opts, arbitration.WithStrictClasses())
	}
	return opts
}

// OpenLoader opens a workflow directory. kind "loam" reads Markdown
// frontmatter through Loam; anything else reads YAML and JSON files.
func OpenLoader(kind, dir string) (ports.WorkflowLoader, error) {
	if kind != "loam" {
		return file.NewLoader(dir), nil
	}
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	// Strict mode keeps numbers as json.Number; the engine never writes definitions.
	repo, err := loam.Init(absPath,
		loam.WithStrict(true),
		loam.WithReadOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loam: %w", err)
	}
	return loamAdapter.New(loam.NewTypedRepository[loamAdapter.WorkflowMetadata](repo)), nil
}

// Load resolves ref to a workflow definition. A ref naming an existing file
// is read directly; anything else goes to the configured Loader.
func (o *Orchestra) Load(ctx context.Context, ref string) (*domain.Workflow, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return file.ReadWorkflow(ref)
	}
	if o.Loader == nil {
		return nil, fmt.Errorf("%w: %s (no workflow directory configured)", domain.ErrWorkflowNotFound, ref)
	}
	return o.Loader.Load(ctx, ref)
}

// Apply hot-swaps the settings that can change while running: backbone
// tokens and rate limits.
func (o *Orchestra) Apply(cfg config.Config) {
	o.auth.Replace(cfg.Backbone.Tokens)
	o.limiter.Replace(cfg.Backbone.DefaultLimit, cfg.Backbone.Limits)
	o.logger.Info("Applied configuration", "tokens", len(cfg.Backbone.Tokens), "limits", len(cfg.Backbone.Limits))
}

// Run drives the background lifecycle passes until ctx ends.
func (o *Orchestra) Run(ctx context.Context) error {
	return o.Lifecycle.Run(ctx)
}

// Close releases pools, connections and databases in reverse order of opening.
func (o *Orchestra) Close(ctx context.Context) error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}

// specResources hands out the spec itself as the resource.
type specResources struct{}

func (specResources) Load(_ context.Context, spec domain.ResourceSpec) (any, error) {
	return spec, nil
}

func (specResources) Warm(context.Context, domain.ResourceSpec, any) error { return nil }

func (specResources) Unload(context.Context, domain.ResourceSpec, any) error { return nil }
