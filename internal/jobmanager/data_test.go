package jobmanager

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataStores(t *testing.T) map[string]DataStore {
	t.Helper()
	stores := map[string]DataStore{"memory": NewMemoryDataStore()}

	addr := os.Getenv("PARLIAMENT_REDIS_ADDR")
	if addr == "" {
		return stores
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisDataStore(client, WithKeyPrefix("parliament-test-"+t.Name()))
	require.NoError(t, store.Ping(context.Background()))
	stores["redis"] = store
	return stores
}

func TestDataStoreBlockLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, ds := range dataStores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := ds.Exists(ctx, "b")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, ds.Create(ctx, "b"))
			ok, err = ds.Exists(ctx, "b")
			require.NoError(t, err)
			assert.True(t, ok, "empty block must exist")

			n, err := ds.Len(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			require.NoError(t, ds.Append(ctx, "b", []byte("x"), []byte("y")))
			block, err := ds.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("x"), []byte("y")}, block)

			elem, err := ds.Element(ctx, "b", 1)
			require.NoError(t, err)
			assert.Equal(t, []byte("y"), elem)

			_, err = ds.Element(ctx, "b", 5)
			assert.ErrorIs(t, err, ErrIndexOutOfRange)

			require.NoError(t, ds.Delete(ctx, "b"))
			_, err = ds.Get(ctx, "b")
			assert.ErrorIs(t, err, ErrDataNotFound)
		})
	}
}

func TestDataStorePutPadsBlock(t *testing.T) {
	ctx := context.Background()
	for name, ds := range dataStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, ds.Create(ctx, "out"))

			require.NoError(t, ds.Put(ctx, "out", 2, []byte("c")))
			require.NoError(t, ds.Put(ctx, "out", 0, []byte("a")))

			block, err := ds.Get(ctx, "out")
			require.NoError(t, err)
			require.Len(t, block, 3)
			assert.Equal(t, "a", string(block[0]))
			assert.Empty(t, block[1])
			assert.Equal(t, "c", string(block[2]))

			assert.ErrorIs(t, ds.Put(ctx, "missing", 0, []byte("z")), ErrDataNotFound)
			assert.ErrorIs(t, ds.Put(ctx, "out", -1, []byte("z")), ErrIndexOutOfRange)
			require.NoError(t, ds.Delete(ctx, "out"))
		})
	}
}

func TestDataStoreCreateResets(t *testing.T) {
	ctx := context.Background()
	for name, ds := range dataStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, ds.Create(ctx, "r"))
			require.NoError(t, ds.Append(ctx, "r", []byte("old")))
			require.NoError(t, ds.Create(ctx, "r"))

			n, err := ds.Len(ctx, "r")
			require.NoError(t, err)
			assert.Zero(t, n)
			require.NoError(t, ds.Delete(ctx, "r"))
		})
	}
}
