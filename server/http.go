package server

import (
	"bytes"
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/health"
	"github.com/saiset-co/sai-vault-worker/middleware"
	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
	"github.com/saiset-co/sai-vault-worker/worker"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// TLSListener opens the TLS socket when the server runs behind certificates.
type TLSListener interface {
	Listen(addr string) (net.Listener, error)
}

// FastHTTPServer exposes the worker to the host: the control API lives under
// the control prefix and every other request is intercepted as a fetch.
type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.ServiceConfig
	logger          types.Logger
	metrics         types.MetricsManager
	worker          *worker.Worker
	middlewares     *middleware.Manager
	health          *health.Manager
	tlsManager      TLSListener
	limiter         *middleware.RateLimitMiddleware
	validate        *validator.Validate
	router          *Router
	origin          *url.URL
	prefix          string
	handler         fasthttp.RequestHandler
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
	fetchTimeout    time.Duration
}

func NewHTTPServer(
	ctx context.Context,
	config *types.ServiceConfig,
	logger types.Logger,
	metrics types.MetricsManager,
	w *worker.Worker,
	middlewares *middleware.Manager,
	healthManager *health.Manager,
	tlsManager TLSListener,
) (*FastHTTPServer, error) {
	if config == nil || config.Server == nil || config.Server.HTTP == nil || config.Worker == nil {
		return nil, types.ErrConfigIsNil
	}
	if w == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "worker is nil")
	}

	origin, err := url.Parse(config.Worker.Origin)
	if err != nil || origin.Host == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "origin %q", config.Worker.Origin)
	}

	serverCtx, cancel := context.WithCancel(ctx)

	httpConfig := config.Server.HTTP
	shutdownTimeout := time.Duration(httpConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	fetchTimeout := time.Duration(httpConfig.WriteTimeout) * time.Second
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		worker:          w,
		middlewares:     middlewares,
		health:          healthManager,
		tlsManager:      tlsManager,
		limiter:         middleware.NewRateLimitMiddleware(serverCtx, logger, metrics, config.Worker.MessageRate, config.Worker.MessageBurst),
		validate:        validator.New(),
		router:          NewRouter(),
		origin:          origin,
		prefix:          normalizePath(config.Worker.ControlPrefix),
		shutdownTimeout: shutdownTimeout,
		fetchTimeout:    fetchTimeout,
	}

	server.registerRoutes()

	handler := server.mainHandler()
	if middlewares != nil {
		handler = middlewares.Then(handler)
	}
	server.handler = handler

	server.state.Store(StateStopped)

	return server, nil
}

func (h *FastHTTPServer) registerRoutes() {
	h.router.POST(h.prefix+"/message", middleware.Chain(h.handleMessage, h.limiter))
	h.router.POST(h.prefix+"/notification-click", h.handleNotificationClick)
	h.router.POST(h.prefix+"/clients", h.handleRegisterClient)
	h.router.DELETE(h.prefix+"/clients/{id}", h.handleUnregisterClient)
	h.router.PUT(h.prefix+"/notifications/permission", h.handlePermission)
	h.router.GET(h.prefix+"/state", h.handleState)

	if h.worker.Webhooks() != nil {
		h.router.GET(h.prefix+"/webhooks", h.handleListWebhooks)
		h.router.POST(h.prefix+"/webhooks", h.handleCreateWebhook)
		h.router.DELETE(h.prefix+"/webhooks/{id}", h.handleDeleteWebhook)
	}

	if h.metrics != nil {
		path := "/metrics"
		if h.config.Metrics != nil && h.config.Metrics.Path != "" {
			path = h.config.Metrics.Path
		}
		h.router.GET(path, h.metrics.Handler())
	}

	if h.health != nil {
		path := "/health"
		if h.config.Health != nil && h.config.Health.Path != "" {
			path = h.config.Health.Path
		}
		h.router.GET(path, h.health.Handler())
		h.router.GET("/version", h.health.VersionHandler())
	}
}

// Handler returns the full request pipeline, middlewares included.
func (h *FastHTTPServer) Handler() fasthttp.RequestHandler {
	return h.handler
}

func (h *FastHTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	httpConfig := h.config.Server.HTTP
	addr := net.JoinHostPort(httpConfig.Host, strconv.Itoa(httpConfig.Port))

	listener, err := h.listen(addr)
	if err != nil {
		h.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "%s: %v", addr, err)
	}
	h.listener = listener

	h.server = &fasthttp.Server{
		Handler:                      h.handler,
		Name:                         h.config.Name,
		ReadTimeout:                  time.Duration(httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	h.setState(StateRunning)

	go func() {
		if err := h.server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.logger.Info("HTTP server started successfully",
		zap.String("address", listener.Addr().String()),
		zap.String("control_prefix", h.prefix),
		zap.Bool("tls", h.tlsEnabled()))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.server.ShutdownWithContext(gCtx)
	})

	g.Go(func() error {
		return h.limiter.Stop()
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			h.logger.Warn("Server stop timeout, some connections may not have closed gracefully")
		default:
			h.logger.Error("Error during server shutdown", zap.Error(err))
		}
		return types.Errorf(types.ErrServerStopFailed, "%v", err)
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr is the bound listener address, useful when the configured port is 0.
func (h *FastHTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *FastHTTPServer) listen(addr string) (net.Listener, error) {
	if !h.tlsEnabled() {
		return net.Listen("tcp", addr)
	}
	if h.tlsManager == nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "tls enabled without certificate manager")
	}
	return h.tlsManager.Listen(addr)
}

func (h *FastHTTPServer) tlsEnabled() bool {
	return h.config.Server.TLS != nil && h.config.Server.TLS.Enabled
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) {
	h.state.Store(newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

func (h *FastHTTPServer) mainHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !isProxyForm(ctx) {
			path := utils.BytesToString(ctx.Path())

			handler, params, found, allowed := h.router.Lookup(string(ctx.Method()), path)
			if allowed {
				for name, value := range params {
					ctx.SetUserValue(name, value)
				}
				handler(ctx)
				return
			}

			if found || h.underPrefix(path) {
				status := fasthttp.StatusNotFound
				if found {
					status = fasthttp.StatusMethodNotAllowed
				}
				utils.CreateErrorResponseWithStatus(ctx, status, fasthttp.StatusMessage(status))
				return
			}
		}

		h.handleFetch(ctx)
	}
}

func (h *FastHTTPServer) underPrefix(path string) bool {
	return path == h.prefix || strings.HasPrefix(path, h.prefix+"/")
}

func isProxyForm(ctx *fasthttp.RequestCtx) bool {
	raw := ctx.Request.Header.RequestURI()
	return bytes.HasPrefix(raw, httpPrefix) || bytes.HasPrefix(raw, httpsPrefix)
}
