package strategy

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

const offlineMessage = "Offline - no cached data available"

type Outcome string

const (
	OutcomeNetwork     Outcome = "network"
	OutcomeCache       Outcome = "cache"
	OutcomeStale       Outcome = "stale"
	OutcomeOffline     Outcome = "offline"
	OutcomeFallback    Outcome = "fallback"
	OutcomeFailed      Outcome = "failed"
	OutcomePassThrough Outcome = "passthrough"
)

// Strategy answers one GET request against one store.
type Strategy interface {
	Name() string
	Handle(ctx context.Context, store types.CacheStore, req *types.Request) (*types.Response, Outcome, error)
}

type offlineBody struct {
	Error string `json:"error"`
}

// OfflineResponse is returned by NetworkFirst when neither network nor cache can answer.
func OfflineResponse() *types.Response {
	body, _ := utils.Marshal(offlineBody{Error: offlineMessage})

	header := make(http.Header)
	header.Set(types.HeaderContentType, "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &types.Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   body,
		Type:   types.ResponseTypeBasic,
	}
}

// writer stores clones in the background and lets the owner wait for them.
type writer struct {
	logger types.Logger
	wg     *sync.WaitGroup
}

func (w writer) put(ctx context.Context, store types.CacheStore, key string, resp *types.Response) {
	snapshot := resp.Clone()
	ctx = context.WithoutCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := store.Put(ctx, key, snapshot); err != nil {
			w.logger.Warn("Failed to store response",
				zap.String("store", store.Name()),
				zap.String("key", key),
				zap.Error(err))
		}
	}()
}

// NetworkFirst prefers fresh data and falls back to the last stored copy.
type NetworkFirst struct {
	fetcher types.Fetcher
	logger  types.Logger
	writer  writer
}

func NewNetworkFirst(logger types.Logger, fetcher types.Fetcher, writes *sync.WaitGroup) *NetworkFirst {
	return &NetworkFirst{
		fetcher: fetcher,
		logger:  logger,
		writer:  writer{logger: logger, wg: writes},
	}
}

func (s *NetworkFirst) Name() string {
	return "network_first"
}

func (s *NetworkFirst) Handle(ctx context.Context, store types.CacheStore, req *types.Request) (*types.Response, Outcome, error) {
	key := req.Key()

	resp, err := s.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.Status == http.StatusOK {
			s.writer.put(ctx, store, key, resp)
		}
		return resp, OutcomeNetwork, nil
	}

	s.logger.Debug("Network unavailable, trying cache", zap.String("key", key), zap.Error(err))

	cached, ok, matchErr := store.Match(ctx, key)
	if matchErr != nil {
		s.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(matchErr))
	}
	if !ok {
		return OfflineResponse(), OutcomeOffline, nil
	}

	stale := cached.Clone()
	if stale.Header == nil {
		stale.Header = make(http.Header)
	}
	stale.Header.Set(types.HeaderFromCache, "true")
	stale.Header.Set(types.HeaderOffline, "true")

	return stale, OutcomeStale, nil
}

// CacheFirst serves stored copies without revalidation.
type CacheFirst struct {
	storage types.CacheStorage
	fetcher types.Fetcher
	logger  types.Logger
	rootKey string
	writes  *sync.WaitGroup
}

func NewCacheFirst(logger types.Logger, storage types.CacheStorage, fetcher types.Fetcher, rootKey string, writes *sync.WaitGroup) *CacheFirst {
	return &CacheFirst{
		storage: storage,
		fetcher: fetcher,
		logger:  logger,
		rootKey: rootKey,
		writes:  writes,
	}
}

func (s *CacheFirst) Name() string {
	return "cache_first"
}

func (s *CacheFirst) Handle(ctx context.Context, store types.CacheStore, req *types.Request) (*types.Response, Outcome, error) {
	key := req.Key()

	cached, ok, err := store.Match(ctx, key)
	if err != nil {
		s.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		return cached.Clone(), OutcomeCache, nil
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		fallback, found, matchErr := s.storage.Match(ctx, s.rootKey)
		if matchErr != nil {
			s.logger.Warn("Root document lookup failed", zap.String("key", s.rootKey), zap.Error(matchErr))
		}
		if found {
			return fallback.Clone(), OutcomeFallback, nil
		}
		return nil, OutcomeFailed, err
	}

	if cacheable(resp) {
		s.writes.Add(1)
		defer s.writes.Done()

		if putErr := store.Put(ctx, key, resp.Clone()); putErr != nil {
			s.logger.Warn("Failed to store response",
				zap.String("store", store.Name()),
				zap.String("key", key),
				zap.Error(putErr))
		}
	}

	return resp, OutcomeNetwork, nil
}

func cacheable(resp *types.Response) bool {
	if resp == nil || resp.Status != http.StatusOK {
		return false
	}
	return resp.Type == types.ResponseTypeBasic || resp.Type == types.ResponseTypeCORS
}
