package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/adapters/redis"
	"github.com/aretw0/orchestra/pkg/lease"
)

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "wf-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:wf-1"), "Lock key should be set in Redis")

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:wf-1"), "Lock key should be removed after unlock")
}

func TestRedisLocker_Contention(t *testing.T) {
	mr, client := newClient(t)
	first := redis.NewLocker(client, "test:", redis.WithPollInterval(10*time.Millisecond))
	second := redis.NewLocker(client, "test:", redis.WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	unlock1, err := first.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = second.Lock(short, "shared", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock1(ctx))
	unlock2, err := second.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)
	defer unlock2(ctx)
	assert.True(t, mr.Exists("test:lock:shared"))
}

func TestRedisLocker_StaleUnlockKeepsNewOwner(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "test:", redis.WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	unlockOld, err := locker.Lock(ctx, "wf", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second) // lease expires

	unlockNew, err := locker.Lock(ctx, "wf", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, unlockOld(ctx))
	assert.True(t, mr.Exists("test:lock:wf"), "expired holder must not release the new owner's lock")
	require.NoError(t, unlockNew(ctx))
	assert.False(t, mr.Exists("test:lock:wf"))
}

func TestRedisLocker_BacksLeaseManager(t *testing.T) {
	_, client := newClient(t)
	locker := redis.NewLocker(client, "test:", redis.WithPollInterval(10*time.Millisecond))

	// two managers stand in for two processes
	a := lease.New(lease.WithLocker(locker))
	b := lease.New(lease.WithLocker(locker))
	ctx := context.Background()

	release, err := a.Acquire(ctx, "wf-42")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(short, "wf-42")
	assert.Error(t, err)

	release()
	release2, err := b.Acquire(ctx, "wf-42")
	require.NoError(t, err)
	release2()
}
