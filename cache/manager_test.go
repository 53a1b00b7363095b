package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/metrics"
	"github.com/saiset-co/sai-vault-worker/types"
)

func TestNewCacheStorage_RecordsMetrics(t *testing.T) {
	m := metrics.NewPrometheusMetrics(logger.NewNop(), &metrics.PrometheusConfig{Namespace: "test"})

	s, err := NewCacheStorage(logger.NewNop(), m, &types.CacheConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	ctx := context.Background()
	store, err := s.Open(ctx, "vault-runtime-v1")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "GET https://vault.example.com/", okResponse("root")))
	_, _, _ = store.Match(ctx, "GET https://vault.example.com/")
	_, _, _ = store.Match(ctx, "GET https://vault.example.com/none")

	assert.Equal(t, float64(1), m.Counter("cache_operations_total", map[string]string{"operation": "put", "result": "success"}).Get())
	assert.Equal(t, float64(1), m.Counter("cache_operations_total", map[string]string{"operation": "match", "result": "hit"}).Get())
	assert.Equal(t, float64(1), m.Counter("cache_operations_total", map[string]string{"operation": "match", "result": "miss"}).Get())
}

func TestNewCacheStorage_UnknownType(t *testing.T) {
	_, err := NewCacheStorage(logger.NewNop(), nil, &types.CacheConfig{Type: "etcd"})
	assert.ErrorIs(t, err, types.ErrCacheTypeUnknown)
}

func TestNewCacheStorage_CustomCreator(t *testing.T) {
	RegisterCacheStorage("custom", func(config interface{}) (types.CacheStorage, error) {
		return NewMemoryStorage(logger.NewNop()), nil
	})

	s, err := NewCacheStorage(logger.NewNop(), nil, &types.CacheConfig{Type: "custom"})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
}
