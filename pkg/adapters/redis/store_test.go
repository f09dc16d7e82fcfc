package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/adapters/redis"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/ports"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)
	ports.RunCheckpointStoreContract(t, redis.NewFromClient(client))
}

func TestRedisBlobStore_Contract(t *testing.T) {
	_, client := newClient(t)
	ports.RunBlobStoreContract(t, redis.NewBlobStore(client, "", domain.TierWarm))
}

func TestRedisBlobStore_TiersDoNotCollide(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()
	warm := redis.NewBlobStore(client, "app:", domain.TierWarm)
	cold := redis.NewBlobStore(client, "app:", domain.TierCold)

	require.NoError(t, warm.Put(ctx, "k", []byte("w")))
	_, err := cold.Get(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)
	assert.True(t, mr.Exists("app:blob:warm:k"))
}

func TestRedisStore_TTLExpiration(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client, redis.WithTTL(time.Second), redis.WithPrefix("test:"))
	ctx := context.Background()

	cp := &domain.Checkpoint{Version: domain.CheckpointVersion, WorkflowID: "wf-ttl", Status: domain.WorkflowPaused}
	require.NoError(t, store.Save(ctx, cp))
	assert.True(t, mr.Exists("test:checkpoint:wf-ttl"))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, domain.WorkflowID("wf-ttl"))

	mr.FastForward(2 * time.Second)
	_, err = store.Load(ctx, "wf-ttl")
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}

func TestRedisStore_UndecodableCheckpointIsCorrupt(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client)
	require.NoError(t, mr.Set(redis.DefaultPrefix+"checkpoint:broken", "{not json"))

	_, err := store.Load(context.Background(), "broken")
	assert.ErrorIs(t, err, domain.ErrCheckpointCorrupt)
}
