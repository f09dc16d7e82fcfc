package badger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/pkg/adapters/badger"
	"github.com/aretw0/orchestra/pkg/artifact"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/ports"
)

func openMem(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBadgerStore_Contract(t *testing.T) {
	ports.RunCheckpointStoreContract(t, badger.NewStore(openMem(t)))
}

func TestBadgerBlobStore_Contract(t *testing.T) {
	ports.RunBlobStoreContract(t, badger.NewBlobStore(openMem(t), domain.TierCold))
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := badger.DefaultConfig(dir)
	cfg.GCInterval = 0

	db, err := badger.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, badger.NewBlobStore(db, domain.TierWarm).Put(ctx, "k", []byte("v")))
	require.NoError(t, badger.NewStore(db).Save(ctx, &domain.Checkpoint{WorkflowID: "wf", Status: domain.WorkflowPaused}))
	require.NoError(t, db.Close())

	db, err = badger.Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	data, err := badger.NewBlobStore(db, domain.TierWarm).Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)

	ids, err := badger.NewStore(db).List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkflowID{"wf"}, ids)
}

func TestBadger_BacksArtifactTiers(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()
	store := artifact.New(
		artifact.WithTier(domain.TierWarm, badger.NewBlobStore(db, domain.TierWarm)),
		artifact.WithTier(domain.TierCold, badger.NewBlobStore(db, domain.TierCold)),
	)

	id, err := store.Store(ctx, []byte("embedding"), domain.ArtifactMeta{})
	require.NoError(t, err)
	require.NoError(t, store.Move(ctx, id, domain.TierCold))

	data, err := store.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("embedding"), data)

	_, err = badger.NewBlobStore(db, domain.TierHot).Get(ctx, string(id))
	assert.ErrorIs(t, err, domain.ErrBlobNotFound, "hot tier stays in memory")
}
