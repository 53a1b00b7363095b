package cache

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

const (
	cloverStoresCollection  = "stores"
	cloverEntriesCollection = "entries"
)

type CloverConfig struct {
	Path string `json:"path"`
}

// CloverStorage persists stores in an embedded clover database:
// one document per store and one document per entry.
type CloverStorage struct {
	lifecycle
	logger  types.Logger
	config  *CloverConfig
	codec   Codec
	db      *clover.DB
	lastSeq int64
	mu      sync.Mutex
}

func NewCloverStorage(logger types.Logger, config *types.CacheConfig) (*CloverStorage, error) {
	cloverConfig := &CloverConfig{
		Path: "./data/vault-cache",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover cache config")
		}
	}

	c := &CloverStorage{
		logger: logger,
		config: cloverConfig,
		codec:  Codec{Threshold: config.CompressThreshold},
	}
	c.initState()

	return c, nil
}

func (c *CloverStorage) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := c.open(); err != nil {
		c.setState(StateStopped)
		return err
	}

	c.setState(StateRunning)
	c.logger.Info("Clover cache storage started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverStorage) open() error {
	if err := os.MkdirAll(c.config.Path, 0o755); err != nil {
		return types.WrapError(err, "failed to create clover directory")
	}

	db, err := clover.Open(c.config.Path)
	if err != nil {
		return types.Errorf(types.ErrCacheConnectionFailed, "clover: %v", err)
	}

	for _, collection := range []string{cloverStoresCollection, cloverEntriesCollection} {
		exists, err := db.HasCollection(collection)
		if err != nil {
			_ = db.Close()
			return types.WrapError(err, "failed to check collection existence")
		}
		if exists {
			continue
		}
		if err := db.CreateCollection(collection); err != nil {
			_ = db.Close()
			return types.WrapError(err, "failed to create collection")
		}
	}

	c.db = db
	return nil
}

func (c *CloverStorage) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer c.setState(StateStopped)

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover database")
	}

	c.logger.Info("Clover cache storage stopped")
	return nil
}

func (c *CloverStorage) Open(_ context.Context, name string) (types.CacheStore, error) {
	if name == "" {
		return nil, types.ErrStoreNameEmpty
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.hasLocked(name)
	if err != nil {
		return nil, err
	}

	if !exists {
		doc := clover.NewDocument()
		doc.Set("name", name)
		doc.Set("created_at", c.nextSeq())

		if err := c.db.Insert(cloverStoresCollection, doc); err != nil {
			return nil, types.Errorf(types.ErrCacheOperationFailed, "open %s: %v", name, err)
		}
	}

	return &cloverStore{storage: c, name: name}, nil
}

func (c *CloverStorage) Has(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hasLocked(name)
}

func (c *CloverStorage) hasLocked(name string) (bool, error) {
	count, err := c.db.Query(cloverStoresCollection).Where(clover.Field("name").Eq(name)).Count()
	if err != nil {
		return false, types.Errorf(types.ErrCacheOperationFailed, "has %s: %v", name, err)
	}
	return count > 0, nil
}

func (c *CloverStorage) Delete(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.hasLocked(name)
	if err != nil || !exists {
		return false, err
	}

	if err := c.db.Query(cloverEntriesCollection).Where(clover.Field("store").Eq(name)).Delete(); err != nil {
		return false, types.Errorf(types.ErrCacheOperationFailed, "delete entries of %s: %v", name, err)
	}

	if err := c.db.Query(cloverStoresCollection).Where(clover.Field("name").Eq(name)).Delete(); err != nil {
		return false, types.Errorf(types.ErrCacheOperationFailed, "delete %s: %v", name, err)
	}

	return true, nil
}

func (c *CloverStorage) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.keysLocked()
}

func (c *CloverStorage) keysLocked() ([]string, error) {
	docs, err := c.db.Query(cloverStoresCollection).Sort(clover.SortOption{Field: "created_at", Direction: 1}).FindAll()
	if err != nil {
		return nil, types.Errorf(types.ErrCacheOperationFailed, "keys: %v", err)
	}

	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		if name, ok := doc.Get("name").(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *CloverStorage) Match(ctx context.Context, key string) (*types.Response, bool, error) {
	names, err := c.Keys(ctx)
	if err != nil {
		return nil, false, err
	}

	for _, name := range names {
		resp, ok, err := (&cloverStore{storage: c, name: name}).Match(ctx, key)
		if err != nil {
			c.logger.Warn("Failed to match in store", zap.String("store", name), zap.Error(err))
			continue
		}
		if ok {
			return resp, true, nil
		}
	}

	return nil, false, nil
}

// nextSeq keeps creation order strict even when two stores open within one clock tick.
func (c *CloverStorage) nextSeq() int64 {
	seq := time.Now().UnixNano()
	if seq <= c.lastSeq {
		seq = c.lastSeq + 1
	}
	c.lastSeq = seq
	return seq
}

func entryCriteria(store, key string) *clover.Criteria {
	return clover.Field("store").Eq(store).And(clover.Field("key").Eq(key))
}

type cloverStore struct {
	storage *CloverStorage
	name    string
}

func (s *cloverStore) Name() string {
	return s.name
}

func (s *cloverStore) Match(_ context.Context, key string) (*types.Response, bool, error) {
	s.storage.mu.Lock()
	doc, err := s.storage.db.Query(cloverEntriesCollection).Where(entryCriteria(s.name, key)).FindFirst()
	s.storage.mu.Unlock()

	if err != nil {
		return nil, false, types.Errorf(types.ErrCacheOperationFailed, "match %s: %v", key, err)
	}
	if doc == nil {
		return nil, false, nil
	}

	data, ok := doc.Get("data").(string)
	if !ok {
		return nil, false, types.Errorf(types.ErrSnapshotCorrupted, "entry %s has no data", key)
	}

	resp, err := s.storage.codec.Decode([]byte(data))
	if err != nil {
		return nil, false, err
	}

	return resp, true, nil
}

func (s *cloverStore) Put(_ context.Context, key string, resp *types.Response) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := s.storage.codec.Encode(snapshotFor(resp, time.Now()))
	if err != nil {
		return types.WrapError(err, "failed to encode snapshot")
	}

	s.storage.mu.Lock()
	defer s.storage.mu.Unlock()

	exists, err := s.storage.hasLocked(s.name)
	if err != nil {
		return err
	}
	if !exists {
		return types.Errorf(types.ErrStoreNotFound, "store %s", s.name)
	}

	if err := s.storage.db.Query(cloverEntriesCollection).Where(entryCriteria(s.name, key)).Delete(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "replace %s: %v", key, err)
	}

	doc := clover.NewDocument()
	doc.Set("store", s.name)
	doc.Set("key", key)
	doc.Set("data", string(data))

	if err := s.storage.db.Insert(cloverEntriesCollection, doc); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "put %s: %v", key, err)
	}

	return nil
}

func (s *cloverStore) Delete(_ context.Context, key string) (bool, error) {
	s.storage.mu.Lock()
	defer s.storage.mu.Unlock()

	query := s.storage.db.Query(cloverEntriesCollection).Where(entryCriteria(s.name, key))

	count, err := query.Count()
	if err != nil || count == 0 {
		return false, err
	}

	if err := query.Delete(); err != nil {
		return false, types.Errorf(types.ErrCacheOperationFailed, "delete %s: %v", key, err)
	}

	return true, nil
}

func (s *cloverStore) Keys(_ context.Context) ([]string, error) {
	s.storage.mu.Lock()
	docs, err := s.storage.db.Query(cloverEntriesCollection).Where(clover.Field("store").Eq(s.name)).FindAll()
	s.storage.mu.Unlock()

	if err != nil {
		return nil, types.Errorf(types.ErrCacheOperationFailed, "keys: %v", err)
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		if key, ok := doc.Get("key").(string); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
