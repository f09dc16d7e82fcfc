// Package pool caches and lifecycles heavyweight execution resources.
//
// A handle moves Unloaded -> Loading -> Warming -> Ready -> Active, and back
// through Unloading when evicted. Checking out a Ready handle is one
// compare-and-swap and never touches I/O; a miss reserves a slot under the
// manager lock and then loads the resource while blocking only the requesting
// caller. Concurrent misses on the same spec share one load.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"golang.org/x/sync/singleflight"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/ports"
)

const (
	defaultMaxResident    = 8
	defaultPrewarmTimeout = 30 * time.Second
	observeBuffer         = 256
)

// Manager owns every pooled handle. It is an explicitly owned service object;
// several managers can coexist (for example in tests).
type Manager struct {
	loader ports.ResourceLoader

	mu      sync.RWMutex
	handles map[string]*Handle
	flight  singleflight.Group

	maxResident    int
	prewarmer      Prewarmer
	prewarmTimeout time.Duration
	observed       chan domain.ResourceSpec
	stop           chan struct{}
	done           chan struct{}
	closeOnce      sync.Once

	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	prewarms  atomic.Int64

	latMu   sync.Mutex
	latency *hdrhistogram.Histogram
}

// New creates a pool backed by loader and starts its pre-warm worker.
// Call Close to stop the worker and unload idle resources.
func New(loader ports.ResourceLoader, opts ...Option) *Manager {
	m := &Manager{
		loader:         loader,
		handles:        make(map[string]*Handle),
		maxResident:    defaultMaxResident,
		prewarmer:      NewFrequencyPrewarmer(32, 2, 1),
		prewarmTimeout: defaultPrewarmTimeout,
		observed:       make(chan domain.ResourceSpec, observeBuffer),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		logger:         logging.NewNop(),
		metrics:        nopMetrics{},
		now:            time.Now,
		// 1µs .. 10min, 3 significant figures
		latency: hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.prewarmLoop()
	return m
}

// Allocate checks out the handle for spec, loading it on a miss.
// The handle is exclusive until Release is called.
func (m *Manager) Allocate(ctx context.Context, spec domain.ResourceSpec) (*Handle, error) {
	start := m.now()
	key := spec.Key()
	loaded := false

	// Hand the spec to the pre-warm worker without ever blocking.
	select {
	case m.observed <- spec:
	default:
	}

	for {
		h := m.lookup(key)
		if h != nil {
			if h.cas(domain.HandleReady, domain.HandleActive) {
				m.checkedOut(h, key, start, loaded)
				return h, nil
			}
			switch st := h.State(); st {
			case domain.HandleActive, domain.HandleUnloading:
				if err := m.waitChange(ctx, h, st); err != nil {
					return nil, err
				}
				continue
			case domain.HandleReady:
				continue
			}
		}

		if err := m.load(ctx, spec, true); err != nil {
			return nil, err
		}
		loaded = true
	}
}

func (m *Manager) checkedOut(h *Handle, key string, start time.Time, loaded bool) {
	h.lastActive.Store(m.now().UnixNano())
	d := m.now().Sub(start)
	if loaded {
		m.misses.Add(1)
	} else {
		m.hits.Add(1)
	}
	m.recordLatency(d)
	m.metrics.ObserveAllocation(key, !loaded, d)
}

// waitChange blocks until h leaves state st or ctx ends.
func (m *Manager) waitChange(ctx context.Context, h *Handle, st domain.HandleState) error {
	h.waiters.Add(1)
	defer h.waiters.Add(-1)

	ch := h.waitCh()
	if h.State() != st {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a checked-out handle to the pool.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if !h.cas(domain.HandleActive, domain.HandleReady) {
		return fmt.Errorf("%w: %s is %s", domain.ErrHandleNotActive, h.key, h.State())
	}
	h.lastActive.Store(m.now().UnixNano())
	h.broadcast()
	return nil
}

func (m *Manager) lookup(key string) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[key]
}

// load drives an Unloaded handle to Ready. Concurrent callers for the same key
// share one load. With evict false the load only uses a free slot.
func (m *Manager) load(ctx context.Context, spec domain.ResourceSpec, evict bool) error {
	key := spec.Key()
	flightKey := key
	if !evict {
		flightKey = "prewarm\x00" + key
	}
	_, err, _ := m.flight.Do(flightKey, func() (any, error) {
		h, victims, ok, err := m.reserve(spec, evict)
		if err != nil {
			return nil, err
		}
		if !ok {
			// someone else owns the transition; let them finish it
			return h, m.settle(ctx, h)
		}
		for _, v := range victims {
			m.evict(ctx, v)
		}

		m.logger.Debug("Loading resource", "spec", key)
		res, err := m.loader.Load(ctx, spec)
		if err != nil {
			h.set(domain.HandleUnloaded)
			h.broadcast()
			return nil, &domain.PoolError{Spec: key, Op: "load", Err: err}
		}

		h.resource = res
		h.set(domain.HandleWarming)
		if err := m.loader.Warm(ctx, spec, res); err != nil {
			if uerr := m.loader.Unload(context.WithoutCancel(ctx), spec, res); uerr != nil {
				m.logger.Warn("Failed to unload resource after warm failure", "spec", key, "err", uerr)
			}
			h.resource = nil
			h.set(domain.HandleUnloaded)
			h.broadcast()
			return nil, &domain.PoolError{Spec: key, Op: "warm", Err: err}
		}

		h.lastActive.Store(m.now().UnixNano())
		h.set(domain.HandleReady)
		h.broadcast()
		m.metrics.ObserveResident(m.Resident())
		return h, nil
	})
	return err
}

// reserve claims a slot for spec. Under the manager lock it moves the handle
// Unloaded -> Loading and, when evict is set, marks least-recently-active idle
// handles Unloading until the new resource fits. ok is false when the handle
// was not Unloaded; nothing is reserved then.
func (m *Manager) reserve(spec domain.ResourceSpec, evict bool) (h *Handle, victims []*Handle, ok bool, err error) {
	key := spec.Key()
	m.mu.Lock()
	defer m.mu.Unlock()

	h, found := m.handles[key]
	if !found {
		h = newHandle(spec)
		m.handles[key] = h
	}
	if h.State() != domain.HandleUnloaded {
		return h, nil, false, nil
	}

	resident := 0
	var idle []*Handle
	for k, o := range m.handles {
		st := o.State()
		if k == key || !st.Resident() {
			continue
		}
		resident++
		if st == domain.HandleReady && o.waiters.Load() == 0 {
			idle = append(idle, o)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastActive.Load() < idle[j].lastActive.Load() })

	restore := func() {
		for _, v := range victims {
			v.set(domain.HandleReady)
			v.broadcast()
		}
	}
	for resident >= m.maxResident {
		if !evict || len(idle) == 0 {
			restore()
			return nil, nil, false, &domain.PoolError{Spec: key, Op: "allocate", Err: domain.ErrPoolExhausted}
		}
		v := idle[0]
		idle = idle[1:]
		// a checkout between the scan and the swap keeps v resident
		if v.cas(domain.HandleReady, domain.HandleUnloading) {
			victims = append(victims, v)
			resident--
		}
	}
	h.set(domain.HandleLoading)
	return h, victims, true, nil
}

// settle waits for a load or unload that another caller owns to move on.
func (m *Manager) settle(ctx context.Context, h *Handle) error {
	switch st := h.State(); st {
	case domain.HandleLoading, domain.HandleWarming, domain.HandleUnloading:
		return m.waitChange(ctx, h, st)
	}
	return nil
}

// evict tears down a handle this caller moved to Unloading.
func (m *Manager) evict(ctx context.Context, h *Handle) {
	res := h.resource
	h.resource = nil
	if err := m.loader.Unload(context.WithoutCancel(ctx), h.spec, res); err != nil {
		m.logger.Warn("Failed to unload evicted resource", "spec", h.key, "err", err)
	}
	h.set(domain.HandleUnloaded)
	h.broadcast()
	m.evictions.Add(1)
	m.metrics.ObserveEviction(h.key)
	m.logger.Debug("Evicted resource", "spec", h.key)
}

// Prewarm loads spec in the background path if there is a free slot.
// It never evicts and never blocks allocation of other handles.
func (m *Manager) Prewarm(ctx context.Context, spec domain.ResourceSpec) error {
	if h := m.lookup(spec.Key()); h != nil && h.State() != domain.HandleUnloaded {
		return nil
	}
	if err := m.load(ctx, spec, false); err != nil {
		if errors.Is(err, domain.ErrPoolExhausted) {
			return nil
		}
		return err
	}
	if m.State(spec) == domain.HandleReady {
		m.prewarms.Add(1)
	}
	return nil
}

func (m *Manager) prewarmLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case spec := <-m.observed:
			m.prewarmer.Observe(spec)
			for _, next := range m.prewarmer.Predict(spec) {
				ctx, cancel := context.WithTimeout(context.Background(), m.prewarmTimeout)
				if err := m.Prewarm(ctx, next); err != nil {
					m.logger.Debug("Pre-warm failed", "spec", next.Key(), "err", err)
				}
				cancel()
			}
		}
	}
}

// Resident counts handles currently holding a constructed resource.
func (m *Manager) Resident() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, h := range m.handles {
		if h.State().Resident() {
			n++
		}
	}
	return n
}

// State reports the lifecycle state of the handle for spec.
func (m *Manager) State(spec domain.ResourceSpec) domain.HandleState {
	if h := m.lookup(spec.Key()); h != nil {
		return h.State()
	}
	return domain.HandleUnloaded
}

func (m *Manager) recordLatency(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	m.latMu.Lock()
	_ = m.latency.RecordValue(us)
	m.latMu.Unlock()
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Prewarms   int64
	Resident   int
	LatencyP50 time.Duration
	LatencyP99 time.Duration
}

// HitRate returns hits / (hits + misses), or 0 before any allocation.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	m.latMu.Lock()
	p50 := m.latency.ValueAtQuantile(50)
	p99 := m.latency.ValueAtQuantile(99)
	m.latMu.Unlock()

	return Stats{
		Hits:       m.hits.Load(),
		Misses:     m.misses.Load(),
		Evictions:  m.evictions.Load(),
		Prewarms:   m.prewarms.Load(),
		Resident:   m.Resident(),
		LatencyP50: time.Duration(p50) * time.Microsecond,
		LatencyP99: time.Duration(p99) * time.Microsecond,
	}
}

// Close stops the pre-warm worker and unloads every idle resource.
// Checked-out handles are left alone; they are never freed while in use.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})

	m.mu.Lock()
	idle := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		if h.cas(domain.HandleReady, domain.HandleUnloading) {
			idle = append(idle, h)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range idle {
		res := h.resource
		h.resource = nil
		if err := m.loader.Unload(ctx, h.spec, res); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", h.key, err))
		}
		h.set(domain.HandleUnloaded)
		h.broadcast()
	}
	return errors.Join(errs...)
}
