package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

var customCacheCreators = make(map[string]types.CacheStorageCreator)

func RegisterCacheStorage(name string, creator types.CacheStorageCreator) {
	customCacheCreators[name] = creator
}

func NewCacheStorage(logger types.Logger, metrics types.MetricsManager, config *types.CacheConfig) (types.CacheStorage, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	var (
		impl types.CacheStorage
		err  error
	)

	switch config.Type {
	case "", "memory":
		impl = NewMemoryStorage(logger)
	case "redis":
		impl, err = NewRedisStorage(logger, config)
	case "clover":
		impl, err = NewCloverStorage(logger, config)
	default:
		creator, exists := customCacheCreators[config.Type]
		if !exists {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", config.Type)
		}
		impl, err = creator(config.Config)
	}

	if err != nil {
		return nil, err
	}

	logger.Debug("Cache storage created", zap.String("type", config.Type))
	return newInstrumentedStorage(logger, metrics, impl), nil
}

type instrumentedStorage struct {
	impl    types.CacheStorage
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedStorage(logger types.Logger, metrics types.MetricsManager, impl types.CacheStorage) types.CacheStorage {
	return &instrumentedStorage{impl: impl, logger: logger, metrics: metrics}
}

// Unwrap exposes the backend, e.g. for health checks.
func (s *instrumentedStorage) Unwrap() types.CacheStorage {
	return s.impl
}

func (s *instrumentedStorage) Start() error {
	return s.impl.Start()
}

func (s *instrumentedStorage) Stop() error {
	return s.impl.Stop()
}

func (s *instrumentedStorage) IsRunning() bool {
	return s.impl.IsRunning()
}

func (s *instrumentedStorage) Open(ctx context.Context, name string) (types.CacheStore, error) {
	start := time.Now()
	store, err := s.impl.Open(ctx, name)
	s.record("open", resultOf(err), start)
	if err != nil {
		return nil, err
	}
	return &instrumentedStore{impl: store, parent: s}, nil
}

func (s *instrumentedStorage) Has(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	ok, err := s.impl.Has(ctx, name)
	s.record("has", resultOf(err), start)
	return ok, err
}

func (s *instrumentedStorage) Delete(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	ok, err := s.impl.Delete(ctx, name)
	s.record("delete_store", resultOf(err), start)
	if ok {
		s.logger.Debug("Cache store deleted", zap.String("store", name))
	}
	return ok, err
}

func (s *instrumentedStorage) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := s.impl.Keys(ctx)
	s.record("keys", resultOf(err), start)
	return names, err
}

func (s *instrumentedStorage) Match(ctx context.Context, key string) (*types.Response, bool, error) {
	start := time.Now()
	resp, ok, err := s.impl.Match(ctx, key)
	s.record("match_all", hitOf(ok, err), start)
	return resp, ok, err
}

func (s *instrumentedStorage) record(operation, result string, start time.Time) {
	if s.metrics == nil {
		return
	}

	s.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).ObserveDuration(start)
}

type instrumentedStore struct {
	impl   types.CacheStore
	parent *instrumentedStorage
}

func (s *instrumentedStore) Name() string {
	return s.impl.Name()
}

func (s *instrumentedStore) Match(ctx context.Context, key string) (*types.Response, bool, error) {
	start := time.Now()
	resp, ok, err := s.impl.Match(ctx, key)
	s.parent.record("match", hitOf(ok, err), start)
	return resp, ok, err
}

func (s *instrumentedStore) Put(ctx context.Context, key string, resp *types.Response) error {
	start := time.Now()
	err := s.impl.Put(ctx, key, resp)
	s.parent.record("put", resultOf(err), start)
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.impl.Delete(ctx, key)
	s.parent.record("delete", resultOf(err), start)
	return ok, err
}

func (s *instrumentedStore) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := s.impl.Keys(ctx)
	s.parent.record("store_keys", resultOf(err), start)
	return keys, err
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func hitOf(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "hit"
	default:
		return "miss"
	}
}
