package persistence_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringvault/ringvault"
	"github.com/ringvault/ringvault/pkg/persistence"
)

func TestMemoryMetastore_LoadMissing(t *testing.T) {
	store := persistence.NewMemoryMetastore()

	rec, err := store.Load(context.Background(), "missing", 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryMetastore_StoreAndLoad(t *testing.T) {
	store := persistence.NewMemoryMetastore()

	envelope := &ringvault.EnvelopeKeyRecord{Created: 100, EncryptedKey: []byte("wrapped")}

	ok, err := store.Store(context.Background(), "id1", 100, envelope)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := store.Load(context.Background(), "id1", 100)
	require.NoError(t, err)
	assert.Equal(t, envelope, loaded)
}

func TestMemoryMetastore_StoreRejectsDuplicate(t *testing.T) {
	store := persistence.NewMemoryMetastore()

	envelope := &ringvault.EnvelopeKeyRecord{Created: 100, EncryptedKey: []byte("wrapped")}

	ok, err := store.Store(context.Background(), "id1", 100, envelope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Store(context.Background(), "id1", 100, envelope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryMetastore_LoadLatest_PicksHighestCreated(t *testing.T) {
	store := persistence.NewMemoryMetastore()
	ctx := context.Background()

	for _, created := range []int64{100, 300, 200} {
		_, err := store.Store(ctx, "id1", created, &ringvault.EnvelopeKeyRecord{Created: created})
		require.NoError(t, err)
	}

	latest, err := store.LoadLatest(ctx, "id1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(300), latest.Created)
}

func TestMemoryMetastore_LoadLatest_MissingID(t *testing.T) {
	store := persistence.NewMemoryMetastore()

	latest, err := store.LoadLatest(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMemoryMetastore_ConcurrentStore_OnlyOneWins(t *testing.T) {
	store := persistence.NewMemoryMetastore()
	ctx := context.Background()

	const n = 50

	var wg sync.WaitGroup

	wins := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ok, err := store.Store(ctx, "racy-id", 1, &ringvault.EnvelopeKeyRecord{Created: 1})
			require.NoError(t, err)

			wins[i] = ok
		}(i)
	}

	wg.Wait()

	wonCount := 0

	for _, w := range wins {
		if w {
			wonCount++
		}
	}

	assert.Equal(t, 1, wonCount)
}
