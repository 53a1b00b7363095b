package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Addr               string        `json:"addr"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
}

// putIfOpen only writes while the store is still listed in the index,
// so a late write never resurrects a deleted store.
var putIfOpen = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	return redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
end
return -1
`)

var openStore = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	return 0
end
redis.call("ZADD", KEYS[1], redis.call("INCR", KEYS[2]), ARGV[1])
return 1
`)

type RedisStorage struct {
	lifecycle
	logger types.Logger
	config *RedisConfig
	client *redis.Client
	codec  Codec
}

func NewRedisStorage(logger types.Logger, config *types.CacheConfig) (*RedisStorage, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "vault-worker",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	addr := redisConfig.Addr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port)
	}

	r := &RedisStorage{
		logger: logger,
		config: redisConfig,
		codec:  Codec{Threshold: config.CompressThreshold},
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     redisConfig.Password,
			DB:           redisConfig.DB,
			PoolSize:     redisConfig.PoolSize,
			MinIdleConns: redisConfig.MinIdleConnections,
			DialTimeout:  redisConfig.DialTimeout,
			ReadTimeout:  redisConfig.ReadTimeout,
			WriteTimeout: redisConfig.WriteTimeout,
		}),
	}
	r.initState()

	return r, nil
}

func (r *RedisStorage) Start() error {
	if !r.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.setState(StateStopped)
		return types.Errorf(types.ErrCacheConnectionFailed, "%v", err)
	}

	r.setState(StateRunning)
	r.logger.Info("Redis cache storage started", zap.String("prefix", r.config.KeyPrefix))
	return nil
}

func (r *RedisStorage) Stop() error {
	if !r.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer r.setState(StateStopped)

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache storage stopped")
	return nil
}

// Ping is used by the health check.
func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Open(ctx context.Context, name string) (types.CacheStore, error) {
	if name == "" {
		return nil, types.ErrStoreNameEmpty
	}

	err := openStore.Run(ctx, r.client, []string{r.indexKey(), r.prefixed("stores:seq")}, name).Err()
	if err != nil {
		return nil, types.Errorf(types.ErrCacheOperationFailed, "open %s: %v", name, err)
	}

	return &redisStore{storage: r, name: name}, nil
}

func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := r.client.ZScore(ctx, r.indexKey(), name).Err()
	if types.IsError(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, types.Errorf(types.ErrCacheOperationFailed, "has %s: %v", name, err)
	}
	return true, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.indexKey(), name)
		pipe.Del(ctx, r.storeKey(name))
		return nil
	})
	if err != nil {
		return false, types.Errorf(types.ErrCacheOperationFailed, "delete %s: %v", name, err)
	}

	return removed.Val() > 0, nil
}

func (r *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, types.Errorf(types.ErrCacheOperationFailed, "keys: %v", err)
	}
	return names, nil
}

func (r *RedisStorage) Match(ctx context.Context, key string) (*types.Response, bool, error) {
	names, err := r.Keys(ctx)
	if err != nil {
		return nil, false, err
	}

	for _, name := range names {
		store := &redisStore{storage: r, name: name}
		resp, ok, err := store.Match(ctx, key)
		if err != nil {
			r.logger.Warn("Failed to match in store", zap.String("store", name), zap.Error(err))
			continue
		}
		if ok {
			return resp, true, nil
		}
	}

	return nil, false, nil
}

func (r *RedisStorage) indexKey() string {
	return r.prefixed("stores")
}

func (r *RedisStorage) storeKey(name string) string {
	return r.prefixed("store:" + name)
}

func (r *RedisStorage) prefixed(key string) string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":" + key
	}
	return key
}

type redisStore struct {
	storage *RedisStorage
	name    string
}

func (s *redisStore) Name() string {
	return s.name
}

func (s *redisStore) Match(ctx context.Context, key string) (*types.Response, bool, error) {
	data, err := s.storage.client.HGet(ctx, s.storage.storeKey(s.name), key).Bytes()
	if types.IsError(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.Errorf(types.ErrCacheOperationFailed, "match %s: %v", key, err)
	}

	resp, err := s.storage.codec.Decode(data)
	if err != nil {
		s.storage.logger.Error("Dropping corrupted snapshot", zap.String("store", s.name), zap.String("key", key), zap.Error(err))
		s.storage.client.HDel(ctx, s.storage.storeKey(s.name), key)
		return nil, false, nil
	}

	return resp, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, resp *types.Response) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := s.storage.codec.Encode(snapshotFor(resp, time.Now()))
	if err != nil {
		return types.WrapError(err, "failed to encode snapshot")
	}

	res, err := putIfOpen.Run(ctx, s.storage.client,
		[]string{s.storage.indexKey(), s.storage.storeKey(s.name)},
		s.name, key, data,
	).Int64()
	if err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "put %s: %v", key, err)
	}
	if res < 0 {
		return types.Errorf(types.ErrStoreNotFound, "store %s", s.name)
	}

	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.storage.client.HDel(ctx, s.storage.storeKey(s.name), key).Result()
	if err != nil {
		return false, types.Errorf(types.ErrCacheOperationFailed, "delete %s: %v", key, err)
	}
	return n > 0, nil
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.storage.client.HKeys(ctx, s.storage.storeKey(s.name)).Result()
	if err != nil {
		return nil, types.Errorf(types.ErrCacheOperationFailed, "keys: %v", err)
	}
	sort.Strings(keys)
	return keys, nil
}
