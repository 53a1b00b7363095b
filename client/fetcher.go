package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Connection":    {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"Host":                {},
}

type Option func(*Fetcher)

// WithDial replaces the dialer, mostly for in-memory listeners in tests.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(f *Fetcher) {
		f.client.Dial = dial
	}
}

// Fetcher performs the real network round trip for intercepted requests.
// Requests to the scope origin are sent to the configured upstream.
type Fetcher struct {
	logger   types.Logger
	metrics  types.MetricsManager
	client   *fasthttp.Client
	config   *types.ClientConfig
	origin   *url.URL
	upstream *url.URL
	breakers map[string]*CircuitBreaker
	mu       sync.Mutex
}

func NewFetcher(logger types.Logger, metrics types.MetricsManager, config *types.ClientConfig, origin, upstream string, opts ...Option) (*Fetcher, error) {
	if config == nil {
		config = &types.ClientConfig{}
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "origin %q", origin)
	}

	var upstreamURL *url.URL
	if upstream != "" {
		upstreamURL, err = url.Parse(upstream)
		if err != nil || upstreamURL.Host == "" {
			return nil, types.Errorf(types.ErrInvalidParameter, "upstream %q", upstream)
		}
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	config.Timeout = timeout

	f := &Fetcher{
		logger:   logger,
		metrics:  metrics,
		config:   config,
		origin:   originURL,
		upstream: upstreamURL,
		breakers: make(map[string]*CircuitBreaker),
		client: &fasthttp.Client{
			Name:                          "vault-worker",
			ReadTimeout:                   timeout,
			WriteTimeout:                  timeout,
			MaxConnsPerHost:               config.MaxConnsPerHost,
			MaxIdleConnDuration:           config.IdleConnTimeout,
			NoDefaultUserAgentHeader:      true,
			DisableHeaderNamesNormalizing: false,
			DisablePathNormalizing:        true,
		},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

func (f *Fetcher) Fetch(ctx context.Context, r *types.Request) (*types.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Errorf(types.ErrNetworkUnavailable, "%v", err)
	}

	target := f.target(r.URL)
	breaker := f.breaker(target.Host)

	if !breaker.CanExecute() {
		f.record("circuit_open", time.Now())
		return nil, types.Errorf(types.ErrNetworkUnavailable, "%v: %s", types.ErrCircuitBreakerOpen, target.Host)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target.String())
	req.Header.SetMethod(r.Method)
	for name, values := range r.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if len(r.Body) > 0 {
		req.SetBody(r.Body)
	}

	timeout := f.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	start := time.Now()
	if err := f.client.DoTimeout(req, resp, timeout); err != nil {
		breaker.RecordFailure()
		f.record("error", start)

		level := zap.WarnLevel
		if isNetworkError(err) {
			level = zap.DebugLevel
		}
		f.logger.Log(level, "Upstream fetch failed",
			zap.String("method", r.Method),
			zap.String("url", target.String()),
			zap.Error(err))

		return nil, types.Errorf(types.ErrNetworkUnavailable, "%s %s: %v", r.Method, r.URL, err)
	}

	status := resp.StatusCode()
	if IsCircuitBreakerFailure(status, nil) {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	f.record("success", start)

	header := make(http.Header)
	resp.Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			return
		}
		header.Add(k, string(value))
	})

	return &types.Response{
		Status: status,
		Header: header,
		Body:   append([]byte(nil), resp.Body()...),
		Type:   f.responseType(r, status),
		URL:    r.URL.String(),
	}, nil
}

// BreakerStates reports every known upstream breaker, used by the health check.
func (f *Fetcher) BreakerStates() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	states := make(map[string]string, len(f.breakers))
	for host, b := range f.breakers {
		states[host] = b.State()
	}
	return states
}

func (f *Fetcher) target(u *url.URL) *url.URL {
	if f.upstream == nil || !strings.EqualFold(u.Host, f.origin.Host) {
		return u
	}

	rewritten := *u
	rewritten.Scheme = f.upstream.Scheme
	rewritten.Host = f.upstream.Host
	if base := strings.TrimSuffix(f.upstream.Path, "/"); base != "" {
		rewritten.Path = base + u.Path
	}
	return &rewritten
}

func (f *Fetcher) responseType(r *types.Request, status int) types.ResponseType {
	if status >= 300 && status < 400 {
		return types.ResponseTypeOpaqueRedirect
	}

	if strings.EqualFold(r.URL.Host, f.origin.Host) && strings.EqualFold(r.URL.Scheme, f.origin.Scheme) {
		return types.ResponseTypeBasic
	}

	if strings.EqualFold(r.Header.Get(types.HeaderFetchMode), "no-cors") {
		return types.ResponseTypeOpaque
	}

	return types.ResponseTypeCORS
}

func (f *Fetcher) breaker(host string) *CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.breakers[host]
	if !ok {
		b = NewCircuitBreaker(f.config.CircuitBreaker, f.logger, host)
		f.breakers[host] = b
	}
	return b
}

func (f *Fetcher) record(result string, start time.Time) {
	if f.metrics == nil {
		return
	}

	f.metrics.Counter("upstream_requests_total", map[string]string{"result": result}).Inc()
	f.metrics.Histogram("upstream_request_duration_seconds",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		nil,
	).ObserveDuration(start)
}
