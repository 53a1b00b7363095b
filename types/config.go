package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name          string               `yaml:"name" json:"name" env:"NAME" validate:"required"`
	Version       string               `yaml:"version" json:"version" env:"VERSION" validate:"required"`
	Server        *ServerConfig        `yaml:"server" json:"server" envPrefix:"SERVER_"`
	Logger        *LoggerConfig        `yaml:"logger" json:"logger" envPrefix:"LOGGER_"`
	Cache         *CacheConfig         `yaml:"cache" json:"cache" envPrefix:"CACHE_"`
	Worker        *WorkerConfig        `yaml:"worker" json:"worker" envPrefix:"WORKER_" validate:"required"`
	Client        *ClientConfig        `yaml:"client" json:"client" envPrefix:"CLIENT_"`
	Notifications *NotificationsConfig `yaml:"notifications" json:"notifications" envPrefix:"NOTIFICATIONS_"`
	Actions       *ActionsConfig       `yaml:"actions" json:"actions" envPrefix:"ACTIONS_"`
	Metrics       *MetricsConfig       `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
	Health        *HealthConfig        `yaml:"health" json:"health" envPrefix:"HEALTH_"`
	Middlewares   *MiddlewaresConfig   `yaml:"middlewares" json:"middlewares" envPrefix:"MIDDLEWARES_"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" envPrefix:"HTTP_"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls" envPrefix:"TLS_"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host" env:"HOST"`
	Port            int    `yaml:"port" json:"port" env:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type TLSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled" env:"ENABLED"`
	CertFile      string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty" env:"CERT_FILE"`
	KeyFile       string   `yaml:"key_file,omitempty" json:"key_file,omitempty" env:"KEY_FILE"`
	AutoCert      bool     `yaml:"auto_cert" json:"auto_cert" env:"AUTO_CERT"`
	Domains       []string `yaml:"domains,omitempty" json:"domains,omitempty" env:"DOMAINS"`
	Email         string   `yaml:"email,omitempty" json:"email,omitempty" env:"EMAIL"`
	CacheDir      string   `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty" env:"CACHE_DIR"`
	ACMEDirectory string   `yaml:"acme_directory,omitempty" json:"acme_directory,omitempty"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type" env:"TYPE"`
	Level  string      `yaml:"level" json:"level" env:"LEVEL" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Type              string      `yaml:"type" json:"type" env:"TYPE" validate:"required,oneof=memory redis clover"`
	Config            interface{} `yaml:"config" json:"config"`
	CompressThreshold int         `yaml:"compress_threshold" json:"compress_threshold" env:"COMPRESS_THRESHOLD" validate:"min=0"`
}

type StoreNames struct {
	Static    string `yaml:"static" json:"static" env:"STATIC" validate:"required"`
	Runtime   string `yaml:"runtime" json:"runtime" env:"RUNTIME" validate:"required"`
	VaultData string `yaml:"vault_data" json:"vault_data" env:"VAULT_DATA" validate:"required"`
}

type WorkerConfig struct {
	CacheVersion  string     `yaml:"cache_version" json:"cache_version" env:"CACHE_VERSION" validate:"required"`
	Origin        string     `yaml:"origin" json:"origin" env:"ORIGIN" validate:"required,url"`
	Upstream      string     `yaml:"upstream" json:"upstream" env:"UPSTREAM" validate:"omitempty,url"`
	Stores        StoreNames `yaml:"stores" json:"stores" envPrefix:"STORES_"`
	SeedAssets    []string   `yaml:"seed_assets" json:"seed_assets" env:"SEED_ASSETS" validate:"dive,required"`
	RootDocument  string     `yaml:"root_document" json:"root_document" env:"ROOT_DOCUMENT"`
	RemoteHosts   []string   `yaml:"remote_hosts" json:"remote_hosts" env:"REMOTE_HOSTS"`
	ControlPrefix string     `yaml:"control_prefix" json:"control_prefix" env:"CONTROL_PREFIX" validate:"required,startswith=/"`
	MessageRate   float64    `yaml:"message_rate" json:"message_rate" env:"MESSAGE_RATE" validate:"min=0"`
	MessageBurst  int        `yaml:"message_burst" json:"message_burst" env:"MESSAGE_BURST" validate:"min=0"`
	SkipWaiting   bool       `yaml:"skip_waiting" json:"skip_waiting" env:"SKIP_WAITING"`
}

type NotificationsConfig struct {
	Permission     Permission `yaml:"permission" json:"permission" env:"PERMISSION" validate:"omitempty,oneof=granted denied default"`
	ReplacePending bool       `yaml:"replace_pending" json:"replace_pending" env:"REPLACE_PENDING"`
	Timezone       string     `yaml:"timezone" json:"timezone" env:"TIMEZONE"`
	Icon           string     `yaml:"icon" json:"icon" env:"ICON"`
}

type ActionsConfig struct {
	Enabled  bool            `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Type     string          `yaml:"type" json:"type" env:"TYPE"`
	Config   interface{}     `yaml:"config" json:"config"`
	Webhooks *WebhooksConfig `yaml:"webhooks" json:"webhooks" envPrefix:"WEBHOOKS_"`
}

type WebhooksConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Path    string        `yaml:"path" json:"path" env:"PATH" validate:"required_if=Enabled true"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Type    string            `yaml:"type" json:"type" env:"TYPE" validate:"required_if=Enabled true"`
	Prefix  string            `yaml:"prefix" json:"prefix" env:"PREFIX"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	Path    string            `yaml:"path" json:"path" env:"PATH"`
}

type MiddlewaresConfig struct {
	Recovery  MiddlewareConfig `yaml:"recovery" json:"recovery" envPrefix:"RECOVERY_"`
	Logging   MiddlewareConfig `yaml:"logging" json:"logging" envPrefix:"LOGGING_"`
	CORS      MiddlewareConfig `yaml:"cors" json:"cors" envPrefix:"CORS_"`
	BodyLimit MiddlewareConfig `yaml:"body_limit" json:"body_limit" envPrefix:"BODY_LIMIT_"`
}

type MiddlewareConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Weight  int         `yaml:"weight" json:"weight" env:"WEIGHT"`
	Params  interface{} `yaml:"params" json:"params"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" json:"path" env:"PATH"`
}

type ClientConfig struct {
	Timeout         time.Duration         `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	MaxConnsPerHost int                   `yaml:"max_conns_per_host" json:"max_conns_per_host" env:"MAX_CONNS_PER_HOST"`
	IdleConnTimeout time.Duration         `yaml:"idle_conn_timeout" json:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	CircuitBreaker  *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" env:"HALF_OPEN_REQUESTS"`
}
