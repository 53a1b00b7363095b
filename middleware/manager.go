package middleware

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

const MaxMiddlewares = 16

type Middleware interface {
	Name() string
	Weight() int
	Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler)
}

// Manager orders middlewares by weight, lowest outermost, and wraps handlers
// with the resulting chain. Registration closes on the first Then.
type Manager struct {
	logger      types.Logger
	metrics     types.MetricsManager
	middlewares []Middleware
	finalized   int32
	mu          sync.Mutex
}

func NewManager(logger types.Logger, metrics types.MetricsManager) *Manager {
	return &Manager{
		logger:  logger,
		metrics: metrics,
	}
}

// RegisterMiddlewares installs the built-in middlewares enabled in config.
func (m *Manager) RegisterMiddlewares(_ context.Context, config *types.MiddlewaresConfig) error {
	if config == nil {
		return nil
	}

	if config.Recovery.Enabled {
		if err := m.Register(NewRecoveryMiddleware(m.logger, m.metrics, config.Recovery)); err != nil {
			return err
		}
	}

	if config.Logging.Enabled {
		if err := m.Register(NewLoggingMiddleware(m.logger, m.metrics, config.Logging)); err != nil {
			return err
		}
	}

	if config.CORS.Enabled {
		if err := m.Register(NewCORSMiddleware(m.logger, config.CORS)); err != nil {
			return err
		}
	}

	if config.BodyLimit.Enabled {
		if err := m.Register(NewBodyLimitMiddleware(m.logger, config.BodyLimit)); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) Register(middleware Middleware) error {
	if middleware == nil {
		return types.Errorf(types.ErrInvalidParameter, "middleware is nil")
	}

	if atomic.LoadInt32(&m.finalized) == 1 {
		return types.Errorf(types.ErrInvalidState, "cannot register %s after the chain was built", middleware.Name())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.middlewares) >= MaxMiddlewares {
		return types.Errorf(types.ErrInvalidParameter, "maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	for _, existing := range m.middlewares {
		if existing.Name() == middleware.Name() {
			return types.Errorf(types.ErrInvalidParameter, "middleware %s already registered", middleware.Name())
		}
		if existing.Weight() == middleware.Weight() {
			return types.Errorf(types.ErrInvalidParameter, "duplicate weight %d for middlewares '%s' and '%s'",
				middleware.Weight(), existing.Name(), middleware.Name())
		}
	}

	m.middlewares = append(m.middlewares, middleware)
	sort.Slice(m.middlewares, func(i, j int) bool {
		return m.middlewares[i].Weight() < m.middlewares[j].Weight()
	})

	m.logger.Debug("Middleware registered",
		zap.String("name", middleware.Name()),
		zap.Int("weight", middleware.Weight()))
	return nil
}

// Then wraps handler with every registered middleware followed by extra,
// which run innermost in the order given.
func (m *Manager) Then(handler fasthttp.RequestHandler, extra ...Middleware) fasthttp.RequestHandler {
	atomic.StoreInt32(&m.finalized, 1)

	m.mu.Lock()
	chain := make([]Middleware, 0, len(m.middlewares)+len(extra))
	chain = append(chain, m.middlewares...)
	m.mu.Unlock()

	return Chain(handler, append(chain, extra...)...)
}

func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.middlewares))
	for i, mw := range m.middlewares {
		names[i] = mw.Name()
	}
	return names
}

// Chain wraps handler so that middlewares[0] runs first.
func Chain(handler fasthttp.RequestHandler, middlewares ...Middleware) fasthttp.RequestHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw, next := middlewares[i], handler
		handler = func(ctx *fasthttp.RequestCtx) {
			mw.Handle(ctx, next)
		}
	}
	return handler
}
