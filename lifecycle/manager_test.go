package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vault-worker/cache"
	"github.com/saiset-co/sai-vault-worker/clients"
	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/types"
)

func workerConfig() *types.WorkerConfig {
	return &types.WorkerConfig{
		CacheVersion: "v2",
		Origin:       "https://vault.example.com",
		Stores: types.StoreNames{
			Static:    "vault-static",
			Runtime:   "vault-runtime",
			VaultData: "vault-data",
		},
		SeedAssets: []string{"/", "/index.html", "/manifest.json"},
	}
}

func okFetcher(calls *atomic.Int32) types.Fetcher {
	return types.FetcherFunc(func(_ context.Context, req *types.Request) (*types.Response, error) {
		calls.Add(1)
		return &types.Response{
			Status: http.StatusOK,
			Header: make(http.Header),
			Body:   []byte("asset " + req.URL.Path),
			Type:   types.ResponseTypeBasic,
			URL:    req.URL.String(),
		}, nil
	})
}

func newTestManager(t *testing.T, storage types.CacheStorage, fetcher types.Fetcher, registry ClientRegistry) *Manager {
	t.Helper()
	m, err := NewManager(logger.NewNop(), storage, fetcher, registry, workerConfig(), "worker-new")
	require.NoError(t, err)
	return m
}

func TestManager_InstallSeedsStaticStore(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage(logger.NewNop())
	var calls atomic.Int32

	m := newTestManager(t, storage, okFetcher(&calls), nil)
	require.NoError(t, m.Install(ctx))

	assert.Equal(t, StateInstalled, m.State())
	assert.EqualValues(t, 3, calls.Load())

	store, err := storage.Open(ctx, "vault-static-v2")
	require.NoError(t, err)
	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"GET https://vault.example.com/",
		"GET https://vault.example.com/index.html",
		"GET https://vault.example.com/manifest.json",
	}, keys)
}

func TestManager_InstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage(logger.NewNop())

	fetcher := types.FetcherFunc(func(_ context.Context, req *types.Request) (*types.Response, error) {
		if req.URL.Path == "/manifest.json" {
			return &types.Response{Status: http.StatusNotFound, Header: make(http.Header)}, nil
		}
		return &types.Response{Status: http.StatusOK, Header: make(http.Header), Type: types.ResponseTypeBasic}, nil
	})

	m := newTestManager(t, storage, fetcher, nil)
	err := m.Install(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInstallFailed)
	assert.Equal(t, StateRedundant, m.State())

	has, err := storage.Has(ctx, "vault-static-v2")
	require.NoError(t, err)
	assert.False(t, has)

	assert.ErrorIs(t, m.Install(ctx), types.ErrInvalidState)
}

type flakyStorage struct {
	types.CacheStorage
	failOn int32
	puts   atomic.Int32
}

func (s *flakyStorage) Open(ctx context.Context, name string) (types.CacheStore, error) {
	store, err := s.CacheStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyStore{CacheStore: store, owner: s}, nil
}

type flakyStore struct {
	types.CacheStore
	owner *flakyStorage
}

func (s *flakyStore) Put(ctx context.Context, key string, resp *types.Response) error {
	if s.owner.puts.Add(1) == s.owner.failOn {
		return errors.New("backend write failed")
	}
	return s.CacheStore.Put(ctx, key, resp)
}

func TestManager_InstallRemovesPartialStaticStore(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	storage := &flakyStorage{CacheStorage: cache.NewMemoryStorage(logger.NewNop()), failOn: 3}

	m := newTestManager(t, storage, okFetcher(&calls), nil)
	err := m.Install(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInstallFailed)
	assert.Contains(t, err.Error(), "backend write failed")
	assert.Equal(t, StateRedundant, m.State())

	has, err := storage.Has(ctx, "vault-static-v2")
	require.NoError(t, err)
	assert.False(t, has)

	_, found, err := storage.Match(ctx, "GET https://vault.example.com/")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_InstallKeepsPreexistingStaticStore(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	storage := &flakyStorage{CacheStorage: cache.NewMemoryStorage(logger.NewNop()), failOn: 2}

	previous, err := storage.CacheStorage.Open(ctx, "vault-static-v2")
	require.NoError(t, err)
	require.NoError(t, previous.Put(ctx, "GET https://vault.example.com/offline.html", &types.Response{
		Status: http.StatusOK,
		Header: make(http.Header),
		Type:   types.ResponseTypeBasic,
	}))

	m := newTestManager(t, storage, okFetcher(&calls), nil)
	assert.ErrorIs(t, m.Install(ctx), types.ErrInstallFailed)

	has, err := storage.Has(ctx, "vault-static-v2")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestManager_InstallFailsOnTransportError(t *testing.T) {
	fetcher := types.FetcherFunc(func(_ context.Context, _ *types.Request) (*types.Response, error) {
		return nil, types.ErrNetworkUnavailable
	})

	m := newTestManager(t, cache.NewMemoryStorage(logger.NewNop()), fetcher, nil)
	err := m.Install(context.Background())
	assert.ErrorIs(t, err, types.ErrInstallFailed)
	assert.Equal(t, StateRedundant, m.State())
}

func TestManager_ActivateSweepsStaleStores(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage(logger.NewNop())
	for _, name := range []string{"vault-static-v1", "vault-runtime-v1", "vault-data-v2", "unrelated"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	registry := clients.NewRegistry(logger.NewNop(), nil)
	_, err := registry.Register(types.Client{ID: "page", URL: "https://vault.example.com/"})
	require.NoError(t, err)

	var calls atomic.Int32
	m := newTestManager(t, storage, okFetcher(&calls), registry)

	var seen []State
	m.OnStateChange(func(s State) { seen = append(seen, s) })

	require.NoError(t, m.Install(ctx))
	_, err = storage.Open(ctx, "vault-runtime-v2")
	require.NoError(t, err)

	require.NoError(t, m.Activate(ctx))
	assert.True(t, m.IsActive())

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vault-static-v2", "vault-runtime-v2", "vault-data-v2"}, names)

	page, ok := registry.Get("page")
	require.True(t, ok)
	assert.Equal(t, "worker-new", page.Controller)

	assert.Equal(t, []State{StateInstalling, StateInstalled, StateActivating, StateActivated}, seen)
}

func TestManager_WaitsForForeignClients(t *testing.T) {
	ctx := context.Background()
	registry := clients.NewRegistry(logger.NewNop(), nil)
	_, err := registry.Register(types.Client{ID: "old", URL: "https://vault.example.com/", Controller: "worker-old"})
	require.NoError(t, err)

	var calls atomic.Int32
	m := newTestManager(t, cache.NewMemoryStorage(logger.NewNop()), okFetcher(&calls), registry)
	require.NoError(t, m.Install(ctx))

	assert.True(t, m.ShouldWait())
	activated, err := m.TryActivate(ctx)
	require.NoError(t, err)
	assert.False(t, activated)
	assert.Equal(t, StateInstalled, m.State())

	require.NoError(t, m.SkipWaiting(ctx))
	assert.Equal(t, StateActivated, m.State())

	old, _ := registry.Get("old")
	assert.Equal(t, "worker-new", old.Controller)
}

func TestManager_ActivatesWhenForeignClientLeaves(t *testing.T) {
	ctx := context.Background()
	registry := clients.NewRegistry(logger.NewNop(), nil)
	_, err := registry.Register(types.Client{ID: "old", URL: "https://vault.example.com/", Controller: "worker-old"})
	require.NoError(t, err)

	var calls atomic.Int32
	m := newTestManager(t, cache.NewMemoryStorage(logger.NewNop()), okFetcher(&calls), registry)
	require.NoError(t, m.Install(ctx))
	assert.True(t, m.ShouldWait())

	registry.Unregister("old")
	activated, err := m.TryActivate(ctx)
	require.NoError(t, err)
	assert.True(t, activated)
}

func TestManager_SkipWaitingBeforeInstall(t *testing.T) {
	ctx := context.Background()
	registry := clients.NewRegistry(logger.NewNop(), nil)
	_, _ = registry.Register(types.Client{ID: "old", URL: "https://vault.example.com/", Controller: "worker-old"})

	var calls atomic.Int32
	m := newTestManager(t, cache.NewMemoryStorage(logger.NewNop()), okFetcher(&calls), registry)

	require.NoError(t, m.SkipWaiting(ctx))
	assert.Equal(t, StateParsed, m.State())

	require.NoError(t, m.Install(ctx))
	assert.False(t, m.ShouldWait())
}

func TestManager_ClearAllDeletesEveryStore(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage(logger.NewNop())
	for _, name := range []string{"vault-static-v2", "other"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	var calls atomic.Int32
	m := newTestManager(t, storage, okFetcher(&calls), nil)

	count, err := m.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
