package cache

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/types"
)

func okResponse(body string) *types.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain")
	return &types.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   []byte(body),
		Type:   types.ResponseTypeBasic,
		URL:    "https://vault.example.com/app.js",
	}
}

type storageFactory func(t *testing.T) types.CacheStorage

func backends() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) types.CacheStorage {
			return NewMemoryStorage(logger.NewNop())
		},
		"clover": func(t *testing.T) types.CacheStorage {
			s, err := NewCloverStorage(logger.NewNop(), &types.CacheConfig{
				Type:              "clover",
				Config:            map[string]interface{}{"path": filepath.Join(t.TempDir(), "db")},
				CompressThreshold: 16,
			})
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) types.CacheStorage {
			addr := os.Getenv("REDIS_ADDR")
			if addr == "" {
				t.Skip("REDIS_ADDR not set")
			}
			s, err := NewRedisStorage(logger.NewNop(), &types.CacheConfig{
				Type:              "redis",
				Config:            map[string]interface{}{"addr": addr, "key_prefix": "test-" + uuid.NewString()},
				CompressThreshold: 16,
			})
			require.NoError(t, err)
			return s
		},
	}
}

func startStorage(t *testing.T, factory storageFactory) types.CacheStorage {
	t.Helper()
	s := factory(t)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestStorage_OpenKeysDelete(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startStorage(t, factory)

			for _, store := range []string{"vault-static-v1", "vault-runtime-v1", "vault-data-v1"} {
				_, err := s.Open(ctx, store)
				require.NoError(t, err)
			}
			_, err := s.Open(ctx, "vault-static-v1")
			require.NoError(t, err)

			names, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"vault-static-v1", "vault-runtime-v1", "vault-data-v1"}, names)

			ok, err := s.Has(ctx, "vault-runtime-v1")
			require.NoError(t, err)
			assert.True(t, ok)

			deleted, err := s.Delete(ctx, "vault-runtime-v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.Delete(ctx, "vault-runtime-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err = s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"vault-static-v1", "vault-data-v1"}, names)

			_, err = s.Open(ctx, "")
			assert.ErrorIs(t, err, types.ErrStoreNameEmpty)
		})
	}
}

func TestStorage_PutMatch(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startStorage(t, factory)

			store, err := s.Open(ctx, "vault-runtime-v1")
			require.NoError(t, err)

			key := "GET https://vault.example.com/app.js"
			body := "console.log('a fairly long body that crosses the compression threshold')"
			require.NoError(t, store.Put(ctx, key, okResponse(body)))

			got, ok, err := store.Match(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, http.StatusOK, got.Status)
			assert.Equal(t, body, string(got.Body))
			assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
			assert.Equal(t, types.ResponseTypeBasic, got.Type)
			assert.False(t, got.StoredAt.IsZero())

			require.NoError(t, store.Put(ctx, key, okResponse("v2")))
			got, ok, err = store.Match(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v2", string(got.Body))

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{key}, keys)

			_, ok, err = store.Match(ctx, "GET https://vault.example.com/missing")
			require.NoError(t, err)
			assert.False(t, ok)

			removed, err := store.Delete(ctx, key)
			require.NoError(t, err)
			assert.True(t, removed)

			_, ok, err = store.Match(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorage_MatchAcrossStoresInCreationOrder(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startStorage(t, factory)

			first, err := s.Open(ctx, "vault-static-v1")
			require.NoError(t, err)
			second, err := s.Open(ctx, "vault-runtime-v1")
			require.NoError(t, err)

			key := "GET https://vault.example.com/"
			require.NoError(t, second.Put(ctx, key, okResponse("runtime")))

			got, ok, err := s.Match(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "runtime", string(got.Body))

			require.NoError(t, first.Put(ctx, key, okResponse("static")))

			got, ok, err = s.Match(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "static", string(got.Body))
		})
	}
}

func TestStorage_PutAfterDeleteDoesNotResurrect(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := startStorage(t, factory)

			store, err := s.Open(ctx, "vault-data-v1")
			require.NoError(t, err)

			_, err = s.Delete(ctx, "vault-data-v1")
			require.NoError(t, err)

			err = store.Put(ctx, "GET https://api.example.com/vaults", okResponse("late"))
			assert.ErrorIs(t, err, types.ErrStoreNotFound)

			names, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestStorage_MatchReturnsClone(t *testing.T) {
	ctx := context.Background()
	s := startStorage(t, backends()["memory"])

	store, err := s.Open(ctx, "vault-runtime-v1")
	require.NoError(t, err)

	original := okResponse("immutable")
	require.NoError(t, store.Put(ctx, "k", original))
	original.Body[0] = 'X'

	got, _, err := store.Match(ctx, "k")
	require.NoError(t, err)
	got.Header.Set("X-Offline", "true")

	again, _, err := store.Match(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "immutable", string(again.Body))
	assert.Empty(t, again.Header.Get("X-Offline"))
}
