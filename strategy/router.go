package strategy

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/lifecycle"
	"github.com/saiset-co/sai-vault-worker/types"
)

// Router classifies intercepted requests and dispatches them to a strategy.
type Router struct {
	logger       types.Logger
	metrics      types.MetricsManager
	storage      types.CacheStorage
	fetcher      types.Fetcher
	stores       lifecycle.Stores
	remoteHosts  []string
	networkFirst *NetworkFirst
	cacheFirst   *CacheFirst
	writes       sync.WaitGroup
}

func NewRouter(
	logger types.Logger,
	metrics types.MetricsManager,
	storage types.CacheStorage,
	fetcher types.Fetcher,
	cfg *types.WorkerConfig,
) (*Router, error) {
	rootKey, err := RootKey(cfg)
	if err != nil {
		return nil, err
	}

	for _, pattern := range cfg.RemoteHosts {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, types.Errorf(types.ErrInvalidParameter, "remote host pattern %q: %v", pattern, err)
		}
	}

	r := &Router{
		logger:      logger,
		metrics:     metrics,
		storage:     storage,
		fetcher:     fetcher,
		stores:      lifecycle.NewStores(cfg),
		remoteHosts: cfg.RemoteHosts,
	}
	r.networkFirst = NewNetworkFirst(logger, fetcher, &r.writes)
	r.cacheFirst = NewCacheFirst(logger, storage, fetcher, rootKey, &r.writes)

	return r, nil
}

// RootKey is the cache key of the designated root document.
func RootKey(cfg *types.WorkerConfig) (string, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return "", types.Errorf(types.ErrInvalidParameter, "origin %q: %v", cfg.Origin, err)
	}

	root := cfg.RootDocument
	if root == "" {
		root = "/"
	}
	ref, err := url.Parse(root)
	if err != nil {
		return "", types.Errorf(types.ErrInvalidParameter, "root document %q: %v", root, err)
	}

	return http.MethodGet + " " + origin.ResolveReference(ref).String(), nil
}

// Classify picks the strategy and store name for a GET request.
func (r *Router) Classify(req *types.Request) (Strategy, string) {
	if r.IsRemote(req.Host()) {
		return r.networkFirst, r.stores.VaultData
	}
	return r.cacheFirst, r.stores.Runtime
}

func (r *Router) IsRemote(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range r.remoteHosts {
		pattern = strings.ToLower(pattern)
		switch {
		case pattern == host:
			return true
		case strings.HasPrefix(pattern, "*."):
			if strings.HasSuffix(host, pattern[1:]) {
				return true
			}
		default:
			if ok, _ := path.Match(pattern, host); ok {
				return true
			}
		}
	}
	return false
}

// Handle answers an intercepted request. Non-GET requests go straight to the network.
func (r *Router) Handle(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req.Method != http.MethodGet {
		resp, err := r.fetcher.Fetch(ctx, req)
		r.record("none", OutcomePassThrough, err)
		return resp, err
	}

	strategy, storeName := r.Classify(req)
	start := time.Now()

	store, err := r.storage.Open(ctx, storeName)
	if err != nil {
		r.logger.Warn("Failed to open store, falling back to network",
			zap.String("store", storeName), zap.Error(err))
		resp, fetchErr := r.fetcher.Fetch(ctx, req)
		r.record(strategy.Name(), OutcomePassThrough, fetchErr)
		return resp, fetchErr
	}

	resp, outcome, err := strategy.Handle(ctx, store, req)
	r.record(strategy.Name(), outcome, err)
	r.observe(strategy.Name(), start)

	r.logger.Debug("Request handled",
		zap.String("strategy", strategy.Name()),
		zap.String("store", storeName),
		zap.String("key", req.Key()),
		zap.String("outcome", string(outcome)))

	return resp, err
}

// Flush waits for background cache writes to finish.
func (r *Router) Flush() {
	r.writes.Wait()
}

func (r *Router) record(strategy string, outcome Outcome, err error) {
	if r.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	r.metrics.Counter("fetch_strategy_total", map[string]string{
		"strategy": strategy,
		"outcome":  string(outcome),
		"result":   result,
	}).Inc()
}

func (r *Router) observe(strategy string, start time.Time) {
	if r.metrics == nil {
		return
	}

	r.metrics.Histogram("fetch_strategy_duration_seconds", nil, map[string]string{
		"strategy": strategy,
	}).ObserveDuration(start)
}
