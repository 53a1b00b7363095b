package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saiset-co/sai-vault-worker/types"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	cleanupInterval = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware applies a token bucket per client to control messages.
// Clients are keyed by X-Client-ID, falling back to the remote address.
type RateLimitMiddleware struct {
	logger   types.Logger
	metrics  types.MetricsManager
	limit    rate.Limit
	burst    int
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func NewRateLimitMiddleware(ctx context.Context, logger types.Logger, metrics types.MetricsManager, perSecond float64, burst int) *RateLimitMiddleware {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	rl := &RateLimitMiddleware{
		logger:   logger,
		metrics:  metrics,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go rl.cleanupWorker(ctx)

	return rl
}

func (rl *RateLimitMiddleware) Name() string { return "rate-limit" }
func (rl *RateLimitMiddleware) Weight() int  { return 50 }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	key := clientKey(ctx)

	if !rl.Allow(key) {
		rl.logger.Debug("Control message rate limited", zap.String("client", key))
		if rl.metrics != nil {
			rl.metrics.Counter("rate_limited_total", map[string]string{"path": string(ctx.Path())}).Inc()
		}

		ctx.Response.Header.Set("Retry-After", strconv.Itoa(rl.retryAfter()))
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
		ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"` + types.ErrRateLimitExceeded.Error() + `"}`)
		return
	}

	next(ctx)
}

func (rl *RateLimitMiddleware) Allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *RateLimitMiddleware) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimitMiddleware) Stop() error {
	rl.once.Do(func() {
		close(rl.stop)
	})
	<-rl.done
	return nil
}

func (rl *RateLimitMiddleware) retryAfter() int {
	if rl.limit == rate.Inf || rl.limit <= 0 {
		return 1
	}
	seconds := int(1/float64(rl.limit)) + 1
	return seconds
}

func (rl *RateLimitMiddleware) cleanupWorker(ctx context.Context) {
	defer close(rl.done)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now().Add(-limiterIdleTTL))
		case <-ctx.Done():
			return
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimitMiddleware) evictIdle(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			evicted++
		}
	}
	return evicted
}

func clientKey(ctx *fasthttp.RequestCtx) string {
	if id := ctx.Request.Header.Peek("X-Client-ID"); len(id) > 0 {
		return string(id)
	}
	return remoteAddr(ctx)
}
