package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-vault-worker/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "yaml: %v", err)
	}

	if err := ApplyEnv(config); err != nil {
		return nil, types.WrapError(err, "failed to apply environment overrides")
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "vault-worker",
		Version: "1.0.0",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
			},
			TLS: &types.TLSConfig{
				Enabled: false,
			},
		},
		Logger: &types.LoggerConfig{
			Type:  "zap",
			Level: "info",
		},
		Cache: &types.CacheConfig{
			Type:              "memory",
			CompressThreshold: 4096,
		},
		Worker: &types.WorkerConfig{
			CacheVersion: "v1",
			Origin:       "http://localhost:8080",
			Stores: types.StoreNames{
				Static:    "vault-static",
				Runtime:   "vault-runtime",
				VaultData: "vault-data",
			},
			SeedAssets:    []string{"/", "/index.html", "/manifest.json"},
			RootDocument:  "/",
			ControlPrefix: "/__worker",
			MessageRate:   20,
			MessageBurst:  40,
		},
		Client: &types.ClientConfig{
			Timeout:         10 * time.Second,
			MaxConnsPerHost: 64,
			IdleConnTimeout: 90 * time.Second,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Notifications: &types.NotificationsConfig{
			Permission: types.PermissionDefault,
			Timezone:   "UTC",
		},
		Actions: &types.ActionsConfig{
			Enabled: false,
			Type:    "websocket",
			Webhooks: &types.WebhooksConfig{
				Enabled: false,
				Path:    "./data/webhooks.db",
				Timeout: 5 * time.Second,
			},
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "prometheus",
			Path:    "/metrics",
		},
		Health: &types.HealthConfig{
			Enabled: true,
			Path:    "/health",
		},
		Middlewares: &types.MiddlewaresConfig{
			Recovery:  types.MiddlewareConfig{Enabled: true, Weight: 10},
			Logging:   types.MiddlewareConfig{Enabled: true, Weight: 20},
			CORS:      types.MiddlewareConfig{Enabled: true, Weight: 30},
			BodyLimit: types.MiddlewareConfig{Enabled: true, Weight: 40},
		},
	}
}
