package lease_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/lease"
	"github.com/aretw0/orchestra/pkg/ports"
)

func TestManager_SerializesHolders(t *testing.T) {
	m := lease.New()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLease(ctx, "wf", func(context.Context) error {
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, m.Held(), "locks are collected once nobody references them")
}

func TestManager_AcquireHonoursContext(t *testing.T) {
	m := lease.New()
	release, err := m.Acquire(context.Background(), "wf")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "wf")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Zero(t, m.Held())

	other, err := m.Acquire(context.Background(), "wf")
	require.NoError(t, err)
	other()
}

func TestManager_LockLifecycle(t *testing.T) {
	m := lease.New()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.NoError(t, m.WithLease(ctx, fmt.Sprintf("wf-%d", i), func(context.Context) error { return nil }))
	}
	assert.Zero(t, m.Held())
}

type fakeLocker struct {
	fail     bool
	locked   atomic.Int32
	unlocked atomic.Int32
	ttl      time.Duration
}

func (f *fakeLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	if f.fail {
		return nil, errors.New("redis down")
	}
	f.ttl = ttl
	f.locked.Add(1)
	return func(context.Context) error {
		f.unlocked.Add(1)
		return nil
	}, nil
}

func TestManager_DistributedLock(t *testing.T) {
	locker := &fakeLocker{}
	m := lease.New(lease.WithLocker(locker), lease.WithTTL(time.Minute))

	require.NoError(t, m.WithLease(context.Background(), "wf", func(context.Context) error { return nil }))
	assert.Equal(t, int32(1), locker.locked.Load())
	assert.Equal(t, int32(1), locker.unlocked.Load())
	assert.Equal(t, time.Minute, locker.ttl)

	locker.fail = true
	err := m.WithLease(context.Background(), "wf", func(context.Context) error {
		t.Fatal("fn must not run without the distributed lock")
		return nil
	})
	assert.ErrorContains(t, err, "distributed lock")
	assert.Zero(t, m.Held())
}
