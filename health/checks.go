package health

import (
	"context"

	"github.com/saiset-co/sai-vault-worker/lifecycle"
	"github.com/saiset-co/sai-vault-worker/types"
)

// StorageChecker lists stores to prove the backend answers.
func StorageChecker(storage types.CacheStorage) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheckResult {
		if !storage.IsRunning() {
			return types.HealthCheckResult{Status: types.HealthStatusUnhealthy, Message: "storage not running"}
		}

		names, err := storage.Keys(ctx)
		if err != nil {
			return types.HealthCheckResult{Status: types.HealthStatusUnhealthy, Message: err.Error()}
		}

		return types.HealthCheckResult{
			Status:  types.HealthStatusHealthy,
			Details: map[string]interface{}{"stores": len(names)},
		}
	}
}

type LifecycleState interface {
	State() lifecycle.State
}

// LifecycleChecker reports degraded while the worker is not active and
// unhealthy once the install failed.
func LifecycleChecker(manager LifecycleState) types.HealthChecker {
	return func(_ context.Context) types.HealthCheckResult {
		state := manager.State()
		details := map[string]interface{}{"state": state.String()}

		switch state {
		case lifecycle.StateActivated:
			return types.HealthCheckResult{Status: types.HealthStatusHealthy, Details: details}
		case lifecycle.StateRedundant:
			return types.HealthCheckResult{Status: types.HealthStatusUnhealthy, Message: "install failed", Details: details}
		default:
			return types.HealthCheckResult{Status: types.HealthStatusDegraded, Message: "not active", Details: details}
		}
	}
}

type BreakerStates interface {
	BreakerStates() map[string]string
}

// BreakerChecker reports degraded while any upstream breaker is open.
func BreakerChecker(fetcher BreakerStates) types.HealthChecker {
	return func(_ context.Context) types.HealthCheckResult {
		states := fetcher.BreakerStates()

		details := make(map[string]interface{}, len(states))
		open := 0
		for host, state := range states {
			details[host] = state
			if state == "open" {
				open++
			}
		}

		if open > 0 {
			return types.HealthCheckResult{Status: types.HealthStatusDegraded, Message: "upstream unavailable", Details: details}
		}
		return types.HealthCheckResult{Status: types.HealthStatusHealthy, Details: details}
	}
}

type CertificateStatus interface {
	GetCertificateStatus() map[string]types.CertificateStatus
}

// CertificateChecker reports degraded when a certificate is close to expiry
// and unhealthy once one has expired.
func CertificateChecker(certs CertificateStatus) types.HealthChecker {
	return func(_ context.Context) types.HealthCheckResult {
		status := types.HealthStatusHealthy
		details := make(map[string]interface{})

		for domain, cert := range certs.GetCertificateStatus() {
			details[domain] = cert.Status
			switch cert.Status {
			case "expired", "error":
				status = types.HealthStatusUnhealthy
			case "expiring_soon":
				if status == types.HealthStatusHealthy {
					status = types.HealthStatusDegraded
				}
			}
		}

		return types.HealthCheckResult{Status: status, Details: details}
	}
}
