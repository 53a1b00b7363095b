package types

import (
	"context"
	"time"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type HealthChecker func(ctx context.Context) HealthCheckResult

type HealthManager interface {
	RegisterChecker(name string, checker HealthChecker)
	Check(ctx context.Context) HealthReport
}

type HealthCheckResult struct {
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type HealthReport struct {
	Status    HealthStatus                 `json:"status"`
	Version   string                       `json:"version"`
	Timestamp time.Time                    `json:"timestamp"`
	Duration  time.Duration                `json:"duration"`
	Checks    map[string]HealthCheckResult `json:"checks"`
}
