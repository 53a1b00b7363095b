package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-vault-worker/cache"
	"github.com/saiset-co/sai-vault-worker/health"
	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/middleware"
	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/worker"
)

type network struct {
	mu      sync.Mutex
	offline bool
}

func (n *network) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *network) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.offline {
		return nil, types.ErrNetworkUnavailable
	}

	return &types.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}, "X-Upstream": []string{req.URL.Host}},
		Body:   []byte("body " + req.URL.Path),
		Type:   types.ResponseTypeBasic,
		URL:    req.URL.String(),
	}, nil
}

func testConfig() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "vault-worker",
		Version: "test",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{Host: "127.0.0.1", Port: 0},
		},
		Worker: &types.WorkerConfig{
			CacheVersion: "v2",
			Origin:       "https://vault.example.com",
			Stores: types.StoreNames{
				Static:    "vault-static",
				Runtime:   "vault-runtime",
				VaultData: "vault-data",
			},
			SeedAssets:    []string{"/", "/index.html"},
			RemoteHosts:   []string{"api.example.com"},
			ControlPrefix: "/__worker",
		},
		Notifications: &types.NotificationsConfig{Permission: types.PermissionGranted, Timezone: "UTC"},
		Health:        &types.HealthConfig{Enabled: true, Path: "/health"},
	}
}

type fixture struct {
	server *FastHTTPServer
	worker *worker.Worker
	net    *network
}

func newFixture(t *testing.T, cfg *types.ServiceConfig, middlewares *middleware.Manager) *fixture {
	t.Helper()

	log := logger.NewNop()
	net := &network{}

	w, err := worker.New(context.Background(), cfg, log, nil,
		worker.WithStorage(cache.NewMemoryStorage(log)),
		worker.WithFetcher(net),
		worker.WithInstanceID("worker-v2"))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	hm := health.NewManager(log, "test")
	hm.RegisterChecker("lifecycle", health.LifecycleChecker(w.Lifecycle()))
	require.NoError(t, hm.Start())

	srv, err := NewHTTPServer(context.Background(), cfg, log, nil, w, middlewares, hm, nil)
	require.NoError(t, err)

	return &fixture{server: srv, worker: w, net: net}
}

func (f *fixture) do(method, uri, host, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if host != "" {
		req.Header.SetHost(host)
	}
	if body != "" {
		req.SetBodyString(body)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	f.server.Handler()(ctx)
	return ctx
}

func TestNewHTTPServer_Validation(t *testing.T) {
	_, err := NewHTTPServer(context.Background(), &types.ServiceConfig{}, logger.NewNop(), nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrConfigIsNil)

	_, err = NewHTTPServer(context.Background(), testConfig(), logger.NewNop(), nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestServer_InterceptsSameOriginRequests(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	ctx := f.do(fasthttp.MethodGet, "/app.js", "vault.example.com", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "body /app.js", string(ctx.Response.Body()))
	assert.Equal(t, "vault.example.com", string(ctx.Response.Header.Peek("X-Upstream")))

	f.net.setOffline(true)

	ctx = f.do(fasthttp.MethodGet, "/deep/link", "vault.example.com", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "body /", string(ctx.Response.Body()))
}

func TestServer_InterceptsProxyFormRequests(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	ctx := f.do(fasthttp.MethodGet, "https://api.example.com/v1/vaults", "", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "body /v1/vaults", string(ctx.Response.Body()))

	ctx = f.do(fasthttp.MethodGet, "https://api.example.com/__worker/state", "", "")
	assert.Equal(t, "body /__worker/state", string(ctx.Response.Body()))

	f.worker.Flush()
	f.net.setOffline(true)

	ctx = f.do(fasthttp.MethodGet, "https://api.example.com/v1/vaults", "", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "true", string(ctx.Response.Header.Peek(types.HeaderFromCache)))

	ctx = f.do(fasthttp.MethodGet, "https://api.example.com/v1/unknown", "", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestServer_Message(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	ctx := f.do(fasthttp.MethodPost, "/__worker/message", "", `{"type":"CLEAR_CACHE"}`)
	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"result":"handled"}`, string(ctx.Response.Body()))

	ctx = f.do(fasthttp.MethodPost, "/__worker/message", "", `{not json`)
	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"result":"ignored"}`, string(ctx.Response.Body()))

	ctx = f.do(fasthttp.MethodPost, "/__worker/message", "", `{"type":"SCHEDULE_NOTIFICATION","unlockDate":1767225600000}`)
	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"result":"ignored"}`, string(ctx.Response.Body()))

	ctx = f.do(fasthttp.MethodGet, "/__worker/message", "", "")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodGet, "/__worker/unknown", "", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestServer_MessageRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.MessageRate = 0.001
	cfg.Worker.MessageBurst = 1
	f := newFixture(t, cfg, nil)

	ctx := f.do(fasthttp.MethodPost, "/__worker/message", "", `{"type":"UNKNOWN"}`)
	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/__worker/message", "", `{"type":"UNKNOWN"}`)
	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
	assert.NotEmpty(t, ctx.Response.Header.Peek("Retry-After"))
}

func TestServer_Clients(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	ctx := f.do(fasthttp.MethodPost, "/__worker/clients", "", `{"id":"page-1","url":"https://vault.example.com/"}`)
	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"id":"page-1"`)

	ctx = f.do(fasthttp.MethodPost, "/__worker/clients", "", `{"id":"page-2"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodDelete, "/__worker/clients/page-1", "", "")
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodDelete, "/__worker/clients/page-1", "", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestServer_PermissionAndState(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	ctx := f.do(fasthttp.MethodPut, "/__worker/notifications/permission", "", `{"permission":"bogus"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPut, "/__worker/notifications/permission", "", `{"permission":"denied"}`)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodGet, "/__worker/state", "", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	body := string(ctx.Response.Body())
	assert.Contains(t, body, `"permission":"denied"`)
	assert.Contains(t, body, "vault-static-v2")
}

func TestServer_NotificationClick(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	ctx := f.do(fasthttp.MethodPost, "/__worker/notification-click", "", `{"action":"close","tag":"vault-1"}`)
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/__worker/notification-click", "", `[`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestServer_WebhookRoutesAbsentWithoutActions(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	ctx := f.do(fasthttp.MethodGet, "/__worker/webhooks", "", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestServer_HealthAndVersion(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	ctx := f.do(fasthttp.MethodGet, "/health", "", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"healthy"`)

	ctx = f.do(fasthttp.MethodGet, "/version", "", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"test"`)
}

func TestServer_MiddlewaresWrapEveryRequest(t *testing.T) {
	mws := middleware.NewManager(logger.NewNop(), nil)
	require.NoError(t, mws.RegisterMiddlewares(context.Background(), &types.MiddlewaresConfig{
		BodyLimit: types.MiddlewareConfig{Enabled: true, Weight: 40},
	}))

	f := newFixture(t, testConfig(), mws)

	ctx := f.do(fasthttp.MethodPost, "/__worker/message", "", strings.Repeat("x", 128*1024))
	assert.Equal(t, fasthttp.StatusRequestEntityTooLarge, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodGet, "/app.js", "vault.example.com", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	require.NoError(t, f.server.Start())
	assert.True(t, f.server.IsRunning())
	assert.ErrorIs(t, f.server.Start(), types.ErrServerAlreadyRunning)

	status, body, err := fasthttp.Get(nil, "http://"+f.server.Addr()+"/__worker/state")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), `"instance":"worker-v2"`)

	require.NoError(t, f.server.Stop())
	assert.False(t, f.server.IsRunning())
	assert.ErrorIs(t, f.server.Stop(), types.ErrServerNotRunning)
}

func TestServer_TLSWithoutManagerFailsToStart(t *testing.T) {
	cfg := testConfig()
	cfg.Server.TLS = &types.TLSConfig{Enabled: true}
	f := newFixture(t, cfg, nil)

	assert.ErrorIs(t, f.server.Start(), types.ErrServerStartFailed)
	assert.False(t, f.server.IsRunning())
}
