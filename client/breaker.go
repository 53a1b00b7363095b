package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
)

// CircuitBreaker guards one upstream host. A disabled or nil breaker always allows.
type CircuitBreaker struct {
	config    *types.CircuitBreakerConfig
	logger    types.Logger
	host      string
	state     CircuitBreakerState
	failures  int
	successes int
	lastFail  time.Time
	now       func() time.Time
	mu        sync.Mutex
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, host string) *CircuitBreaker {
	if config == nil {
		config = &types.CircuitBreakerConfig{Enabled: false}
	}

	return &CircuitBreaker{
		config: config,
		logger: logger,
		host:   host,
		state:  StateBreakerClosed,
		now:    time.Now,
	}
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil || !cb.config.Enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerOpen:
		if cb.now().Sub(cb.lastFail) > cb.config.RecoveryTimeout {
			cb.transition(StateBreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures = 0
	case StateBreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenRequests {
			cb.transition(StateBreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFail = cb.now()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transition(StateBreakerOpen)
	}
}

func (cb *CircuitBreaker) State() string {
	if cb == nil || !cb.config.Enabled {
		return "disabled"
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	return stateToString(cb.state)
}

func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	if to == StateBreakerClosed {
		cb.failures = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("host", cb.host),
		zap.String("from", stateToString(from)),
		zap.String("to", stateToString(to)))
}

func stateToString(state CircuitBreakerState) string {
	switch state {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT:
			return true
		}
	}

	return false
}
