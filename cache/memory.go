package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

type MemoryStorage struct {
	lifecycle
	logger types.Logger
	stores map[string]*memoryStore
	order  []string
	mu     sync.RWMutex
}

func NewMemoryStorage(logger types.Logger) *MemoryStorage {
	m := &MemoryStorage{
		logger: logger,
		stores: make(map[string]*memoryStore),
	}
	m.initState()
	return m
}

func (m *MemoryStorage) Start() error {
	if !m.transitionState(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	m.logger.Debug("Memory cache storage started")
	return nil
}

func (m *MemoryStorage) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer m.setState(StateStopped)

	m.mu.Lock()
	count := len(m.stores)
	m.stores = make(map[string]*memoryStore)
	m.order = nil
	m.mu.Unlock()

	m.logger.Debug("Memory cache storage stopped", zap.Int("dropped_stores", count))
	return nil
}

func (m *MemoryStorage) Open(_ context.Context, name string) (types.CacheStore, error) {
	if name == "" {
		return nil, types.ErrStoreNameEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if store, ok := m.stores[name]; ok {
		return store, nil
	}

	store := &memoryStore{name: name, entries: make(map[string]*types.Response)}
	m.stores[name] = store
	m.order = append(m.order, name)

	return store, nil
}

func (m *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, ok := m.stores[name]
	if !ok {
		return false, nil
	}

	store.mu.Lock()
	store.deleted = true
	store.mu.Unlock()

	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	return true, nil
}

func (m *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemoryStorage) Match(ctx context.Context, key string) (*types.Response, bool, error) {
	m.mu.RLock()
	stores := make([]*memoryStore, 0, len(m.order))
	for _, name := range m.order {
		stores = append(stores, m.stores[name])
	}
	m.mu.RUnlock()

	for _, store := range stores {
		if resp, ok, _ := store.Match(ctx, key); ok {
			return resp, true, nil
		}
	}

	return nil, false, nil
}

type memoryStore struct {
	name    string
	entries map[string]*types.Response
	keys    []string
	deleted bool
	mu      sync.RWMutex
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(_ context.Context, key string) (*types.Response, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, resp *types.Response) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	snap := snapshotFor(resp, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return types.Errorf(types.ErrStoreNotFound, "store %s", s.name)
	}

	if _, exists := s.entries[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.entries[key] = snap

	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false, nil
	}

	delete(s.entries, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}

	return true, nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	return keys, nil
}
