package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

type Manager struct {
	logger       types.Logger
	version      string
	checkers     map[string]types.HealthChecker
	startTime    time.Time
	checkTimeout time.Duration
	mu           sync.RWMutex
	state        atomic.Value
}

func NewManager(logger types.Logger, version string) *Manager {
	manager := &Manager{
		logger:       logger,
		version:      version,
		checkers:     make(map[string]types.HealthChecker),
		checkTimeout: 5 * time.Second,
	}

	manager.state.Store(StateStopped)

	return manager
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

func (hm *Manager) Start() error {
	if !hm.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	hm.startTime = time.Now()
	hm.logger.Info("Health manager started", zap.Strings("checks", hm.names()))
	return nil
}

func (hm *Manager) Stop() error {
	if !hm.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	hm.logger.Info("Health manager stopped")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.state.Load().(State) == StateRunning
}

// Check runs every checker concurrently. A checker that panics or overruns
// its timeout reports unhealthy.
func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	start := time.Now()

	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	results := make(map[string]types.HealthCheckResult, len(checkers))
	var resultMu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	for name, checker := range checkers {
		g.Go(func() error {
			result := hm.executeCheck(gCtx, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := types.HealthReport{
		Status:    overall(results),
		Version:   hm.version,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    results,
	}

	if report.Status != types.HealthStatusHealthy {
		hm.logger.Warn("Health check degraded", zap.String("status", string(report.Status)))
	}

	return report
}

// Handler serves the aggregated report; unhealthy maps to 503.
func (hm *Manager) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !hm.IsRunning() {
			utils.WriteJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": string(types.HealthStatusUnhealthy)})
			return
		}

		report := hm.Check(ctx)

		status := fasthttp.StatusOK
		if report.Status == types.HealthStatusUnhealthy {
			status = fasthttp.StatusServiceUnavailable
		}

		utils.WriteJSON(ctx, status, report)
	}
}

func (hm *Manager) VersionHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{
			"version":    hm.version,
			"build_info": getBuildInfo(),
			"uptime":     time.Since(hm.startTime).Truncate(time.Second).String(),
		})
	}
}

func (hm *Manager) executeCheck(ctx context.Context, checker types.HealthChecker) types.HealthCheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	resultChan := make(chan types.HealthCheckResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- types.HealthCheckResult{
					Status:  types.HealthStatusUnhealthy,
					Message: fmt.Sprintf("health check panicked: %v", r),
				}
			}
		}()

		resultChan <- checker(checkCtx)
	}()

	select {
	case result := <-resultChan:
		return result
	case <-checkCtx.Done():
		return types.HealthCheckResult{
			Status:  types.HealthStatusUnhealthy,
			Message: types.ErrHealthCheckTimeout.Error(),
		}
	}
}

func (hm *Manager) names() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func overall(results map[string]types.HealthCheckResult) types.HealthStatus {
	status := types.HealthStatusHealthy
	for _, result := range results {
		switch result.Status {
		case types.HealthStatusUnhealthy:
			return types.HealthStatusUnhealthy
		case types.HealthStatusDegraded:
			status = types.HealthStatusDegraded
		}
	}
	return status
}

var _ types.HealthManager = (*Manager)(nil)
