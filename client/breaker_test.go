package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/types"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	}, logger.NewNop(), "api.example.com")
	cb.now = func() time.Time { return now }

	assert.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, "closed", cb.State())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.CanExecute())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.State())

	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(nil, logger.NewNop(), "api.example.com")
	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "disabled", cb.State())

	var nilBreaker *CircuitBreaker
	assert.True(t, nilBreaker.CanExecute())
}

func TestIsCircuitBreakerFailure(t *testing.T) {
	assert.True(t, IsCircuitBreakerFailure(503, nil))
	assert.True(t, IsCircuitBreakerFailure(200, assert.AnError))
	assert.False(t, IsCircuitBreakerFailure(404, nil))
}
