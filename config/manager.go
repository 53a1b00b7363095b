package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-vault-worker/types"
)

type ConfigurationManager struct {
	ctx         context.Context
	configPath  string
	loader      *Loader
	config      atomic.Pointer[types.ServiceConfig]
	parser      atomic.Pointer[Parser]
	mu          sync.Mutex
	loadTimeout time.Duration
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	cm := &ConfigurationManager{
		ctx:         ctx,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}

	if err := cm.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

// NewFromConfig wraps an in-memory config, validating it first.
func NewFromConfig(config *types.ServiceConfig) (*ConfigurationManager, error) {
	cm := &ConfigurationManager{
		ctx:         context.Background(),
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}

	if err := cm.loader.Validate(config); err != nil {
		return nil, err
	}

	cm.store(config)
	return cm, nil
}

func (cm *ConfigurationManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		return types.WrapError(err, "failed to load configuration from file")
	}

	cm.store(config)
	return nil
}

func (cm *ConfigurationManager) store(config *types.ServiceConfig) {
	cm.config.Store(config)
	cm.parser.Store(NewParser(config))
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := cm.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	parser := cm.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}

func (cm *ConfigurationManager) Paths() []string {
	parser := cm.parser.Load()
	if parser == nil {
		return nil
	}
	return parser.Paths()
}
