package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	loads   atomic.Int32
	warms   atomic.Int32
	unloads atomic.Int32

	mu       sync.Mutex
	unloaded []string
	gate     chan struct{} // when non-nil, Load blocks until closed
	failLoad error
}

func (l *countingLoader) Load(ctx context.Context, spec domain.ResourceSpec) (any, error) {
	l.loads.Add(1)
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.failLoad != nil {
		return nil, l.failLoad
	}
	return "res:" + spec.Key(), nil
}

func (l *countingLoader) Warm(context.Context, domain.ResourceSpec, any) error {
	l.warms.Add(1)
	return nil
}

func (l *countingLoader) Unload(_ context.Context, spec domain.ResourceSpec, _ any) error {
	l.unloads.Add(1)
	l.mu.Lock()
	l.unloaded = append(l.unloaded, spec.Key())
	l.mu.Unlock()
	return nil
}

func spec(name string) domain.ResourceSpec {
	return domain.ResourceSpec{Name: name, Version: "1"}
}

func newManager(t *testing.T, loader *countingLoader, opts ...pool.Option) *pool.Manager {
	t.Helper()
	opts = append([]pool.Option{pool.WithPrewarmer(pool.NopPrewarmer{})}, opts...)
	m := pool.New(loader, opts...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestManager_HitDoesNotLoad(t *testing.T) {
	loader := &countingLoader{}
	m := newManager(t, loader)
	ctx := context.Background()

	h, err := m.Allocate(ctx, spec("llm"))
	require.NoError(t, err)
	assert.Equal(t, domain.HandleActive, h.State())
	assert.Equal(t, "res:llm@1", h.Resource())
	require.NoError(t, m.Release(h))

	for i := 0; i < 5; i++ {
		h, err = m.Allocate(ctx, spec("llm"))
		require.NoError(t, err)
		require.NoError(t, m.Release(h))
	}

	assert.Equal(t, int32(1), loader.loads.Load())
	assert.Equal(t, int32(1), loader.warms.Load())

	stats := m.Stats()
	assert.Equal(t, int64(5), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 5.0/6.0, stats.HitRate(), 0.0001)
	assert.Equal(t, 1, stats.Resident)
}

func TestManager_ReleaseTwiceFails(t *testing.T) {
	m := newManager(t, &countingLoader{})

	h, err := m.Allocate(context.Background(), spec("a"))
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	err = m.Release(h)
	assert.ErrorIs(t, err, domain.ErrHandleNotActive)
}

func TestManager_CheckoutIsExclusive(t *testing.T) {
	m := newManager(t, &countingLoader{})
	ctx := context.Background()

	h, err := m.Allocate(ctx, spec("a"))
	require.NoError(t, err)

	got := make(chan *pool.Handle, 1)
	go func() {
		h2, err := m.Allocate(ctx, spec("a"))
		if err == nil {
			got <- h2
		}
	}()

	select {
	case <-got:
		t.Fatal("second caller checked out an Active handle")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Release(h))

	select {
	case h2 := <-got:
		assert.Same(t, h, h2)
		require.NoError(t, m.Release(h2))
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestManager_WaitHonoursContext(t *testing.T) {
	m := newManager(t, &countingLoader{})

	h, err := m.Allocate(context.Background(), spec("a"))
	require.NoError(t, err)
	defer m.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Allocate(ctx, spec("a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_ConcurrentMissesShareOneLoad(t *testing.T) {
	loader := &countingLoader{gate: make(chan struct{})}
	m := newManager(t, loader)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	handles := make(chan *pool.Handle, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Allocate(ctx, spec("shared"))
			if err != nil {
				return
			}
			handles <- h
			_ = m.Release(h)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(loader.gate)
	wg.Wait()
	close(handles)

	n := 0
	for range handles {
		n++
	}
	assert.Equal(t, callers, n)
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestManager_EvictsLeastRecentlyActive(t *testing.T) {
	loader := &countingLoader{}
	clock := time.Unix(0, 0)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	m := newManager(t, loader, pool.WithMaxResident(2), pool.WithClock(now))
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		h, err := m.Allocate(ctx, spec(name))
		require.NoError(t, err)
		require.NoError(t, m.Release(h))
	}
	// touch a so b becomes least recently active
	h, err := m.Allocate(ctx, spec("a"))
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	h, err = m.Allocate(ctx, spec("c"))
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	assert.Equal(t, domain.HandleUnloaded, m.State(spec("b")))
	assert.Equal(t, domain.HandleReady, m.State(spec("a")))
	assert.Equal(t, domain.HandleReady, m.State(spec("c")))
	assert.Equal(t, 2, m.Resident())
	assert.Equal(t, int64(1), m.Stats().Evictions)

	loader.mu.Lock()
	assert.Equal(t, []string{"b@1"}, loader.unloaded)
	loader.mu.Unlock()
}

func TestManager_ActiveHandlesAreNeverEvicted(t *testing.T) {
	m := newManager(t, &countingLoader{}, pool.WithMaxResident(1))
	ctx := context.Background()

	h, err := m.Allocate(ctx, spec("a"))
	require.NoError(t, err)

	_, err = m.Allocate(ctx, spec("b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, domain.HandleActive, h.State())

	require.NoError(t, m.Release(h))
	h, err = m.Allocate(ctx, spec("b"))
	require.NoError(t, err)
	require.NoError(t, m.Release(h))
}

func TestManager_LoadFailureResetsHandle(t *testing.T) {
	loader := &countingLoader{failLoad: errors.New("disk gone")}
	m := newManager(t, loader)

	_, err := m.Allocate(context.Background(), spec("a"))
	require.Error(t, err)

	var perr *domain.PoolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "load", perr.Op)
	assert.Equal(t, domain.HandleUnloaded, m.State(spec("a")))
	assert.Equal(t, 0, m.Resident())
}

func TestManager_CloseUnloadsIdle(t *testing.T) {
	loader := &countingLoader{}
	m := pool.New(loader, pool.WithPrewarmer(pool.NopPrewarmer{}))
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		h, err := m.Allocate(ctx, spec(name))
		require.NoError(t, err)
		require.NoError(t, m.Release(h))
	}

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, int32(2), loader.unloads.Load())
	assert.Equal(t, 0, m.Resident())
	require.NoError(t, m.Close(ctx))
}

// liveLoader tracks how many resources exist at once.
type liveLoader struct {
	delay time.Duration
	live  atomic.Int32
	peak  atomic.Int32
}

func (l *liveLoader) Load(ctx context.Context, spec domain.ResourceSpec) (any, error) {
	n := l.live.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(l.delay):
	case <-ctx.Done():
		l.live.Add(-1)
		return nil, ctx.Err()
	}
	return &struct{ key string }{spec.Key()}, nil
}

func (l *liveLoader) Warm(context.Context, domain.ResourceSpec, any) error { return nil }

func (l *liveLoader) Unload(context.Context, domain.ResourceSpec, any) error {
	l.live.Add(-1)
	return nil
}

func TestManager_ConcurrentMissesRespectMaxResident(t *testing.T) {
	loader := &liveLoader{delay: 50 * time.Millisecond}
	m := pool.New(loader, pool.WithPrewarmer(pool.NopPrewarmer{}), pool.WithMaxResident(1))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for _, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			h, err := m.Allocate(ctx, spec(name))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrPoolExhausted)
				return
			}
			mu.Lock()
			if r := m.Resident(); r > maxSeen {
				maxSeen = r
			}
			mu.Unlock()
			assert.NoError(t, m.Release(h))
		}(name)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, 1)
	assert.LessOrEqual(t, m.Resident(), 1)
	assert.Equal(t, int32(1), loader.peak.Load(), "more than one resource constructed at once")
}

func TestManager_EvictionDoesNotRaceReload(t *testing.T) {
	loader := &liveLoader{delay: time.Millisecond}
	m := pool.New(loader, pool.WithPrewarmer(pool.NopPrewarmer{}), pool.WithMaxResident(1))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	ctx := context.Background()

	var wg sync.WaitGroup
	var served atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := []string{"a", "b"}[i%2]
			for j := 0; j < 25; j++ {
				h, err := m.Allocate(ctx, spec(name))
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrPoolExhausted)
					continue
				}
				res, ok := h.Resource().(*struct{ key string })
				if assert.True(t, ok, "checked out a handle without its resource") {
					assert.Equal(t, spec(name).Key(), res.key)
				}
				served.Add(1)
				assert.NoError(t, m.Release(h))
			}
		}(i)
	}
	wg.Wait()

	assert.Positive(t, served.Load())
	assert.LessOrEqual(t, loader.peak.Load(), int32(1))
	assert.LessOrEqual(t, loader.live.Load(), int32(1))
}
