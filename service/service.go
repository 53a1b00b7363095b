package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/config"
	"github.com/saiset-co/sai-vault-worker/health"
	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/metrics"
	"github.com/saiset-co/sai-vault-worker/middleware"
	"github.com/saiset-co/sai-vault-worker/server"
	"github.com/saiset-co/sai-vault-worker/tls"
	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/worker"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service owns the process: it builds every component from one config file,
// starts them in dependency order and tears them down on signal.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *config.ConfigurationManager
	logger          *logger.Manager
	metrics         types.MetricsManager
	health          *health.Manager
	tls             types.TLSManager
	middlewares     *middleware.Manager
	worker          *worker.Worker
	server          *server.FastHTTPServer
	done            chan struct{}
	doneOnce        sync.Once
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
}

func NewService(ctx context.Context, configPath string, opts ...worker.Option) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          configManager,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}
	service.state.Store(StateStopped)

	if err := service.registerProviders(opts...); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	return service, nil
}

func (s *Service) registerProviders(opts ...worker.Option) error {
	cfg := s.config.GetConfig()

	loggerManager, err := logger.NewManager(cfg.Logger)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	s.logger = loggerManager

	s.metrics, err = metrics.NewManager(loggerManager, cfg.Metrics)
	if err != nil {
		return types.WrapError(err, "failed to register metrics manager")
	}

	s.worker, err = worker.New(s.ctx, cfg, loggerManager, s.metrics, opts...)
	if err != nil {
		return types.WrapError(err, "failed to register worker")
	}

	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		certs, err := tls.NewCertManager(s.ctx, loggerManager, cfg.Server.TLS)
		if err != nil {
			return types.WrapError(err, "failed to register TLS manager")
		}
		s.tls = certs
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		s.health = health.NewManager(loggerManager, cfg.Version)
		s.health.RegisterChecker("storage", health.StorageChecker(s.worker.Storage()))
		s.health.RegisterChecker("lifecycle", health.LifecycleChecker(s.worker.Lifecycle()))
		if fetcher := s.worker.Fetcher(); fetcher != nil {
			s.health.RegisterChecker("upstream", health.BreakerChecker(fetcher))
		}
		if s.tls != nil {
			s.health.RegisterChecker("certificates", health.CertificateChecker(s.tls))
		}
	}

	s.middlewares = middleware.NewManager(loggerManager, s.metrics)
	if err := s.middlewares.RegisterMiddlewares(s.ctx, cfg.Middlewares); err != nil {
		return types.WrapError(err, "failed to register middlewares")
	}

	var tlsListener server.TLSListener
	if s.tls != nil {
		tlsListener = s.tls
	}

	s.server, err = server.NewHTTPServer(s.ctx, cfg, loggerManager, s.metrics, s.worker, s.middlewares, s.health, tlsListener)
	if err != nil {
		return types.WrapError(err, "failed to register HTTP server")
	}

	return nil
}

// Start blocks until the service is stopped by Stop, a signal or the parent context.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger.Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()
		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.setState(StateStopped)
		s.cancel()
		if stopErr := s.stopComponents(); stopErr != nil {
			s.logger.Error("Error during cleanup after failed start", zap.Error(stopErr))
		}
		s.closeDone()
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully",
		zap.String("name", s.config.GetConfig().Name),
		zap.String("address", s.server.Addr()))

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)
	s.logger.Info("Service stopped gracefully")

	if s.logger.IsRunning() {
		_ = s.logger.Stop()
	}

	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()
	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) Config() *config.ConfigurationManager {
	return s.config
}

func (s *Service) Worker() *worker.Worker {
	return s.worker
}

func (s *Service) Addr() string {
	return s.server.Addr()
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) {
	s.state.Store(newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	if err := s.logger.Start(); err != nil {
		return types.WrapError(err, "failed to start logger")
	}

	g, gCtx := errgroup.WithContext(ctx)

	if s.metrics != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.metrics.Start(); err != nil {
					s.logger.Error("Failed to start metrics manager", zap.Error(err))
				}
				return nil
			}
		})
	}

	if s.health != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.health.Start(); err != nil {
					s.logger.Error("Failed to start health manager", zap.Error(err))
				}
				return nil
			}
		})
	}

	if s.tls != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := s.tls.Start(); err != nil {
					return types.WrapError(err, "failed to start TLS manager")
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if err := s.worker.Start(); err != nil {
		return types.WrapError(err, "failed to start worker")
	}

	if err := s.server.Start(); err != nil {
		return types.WrapError(err, "failed to start HTTP server")
	}

	s.logger.Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	var errs []error

	if s.server.IsRunning() {
		if err := s.server.Stop(); err != nil {
			s.logger.Error("Failed to stop HTTP server", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if s.worker.IsRunning() {
		if err := s.worker.Stop(); err != nil {
			s.logger.Error("Failed to stop worker", zap.Error(err))
			errs = append(errs, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for name, component := range s.auxiliary() {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if !component.IsRunning() {
					return nil
				}
				if err := component.Stop(); err != nil {
					s.logger.Error("Failed to stop "+name, zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}

	s.logger.Info("All components stopped successfully")
	return nil
}

func (s *Service) auxiliary() map[string]types.LifecycleManager {
	components := make(map[string]types.LifecycleManager)
	if s.metrics != nil {
		components["metrics manager"] = s.metrics
	}
	if s.health != nil {
		components["health manager"] = s.health
	}
	if s.tls != nil {
		components["TLS manager"] = s.tls
	}
	return components
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.logger.Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer s.closeDone()

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}
