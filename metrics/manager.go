package metrics

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

type MetricsManagerCreator func(logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error)

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(name string, creator MetricsManagerCreator) {
	customMetricsCreators.Store(name, creator)
}

// NewManager returns nil, nil when metrics are disabled; every consumer
// treats a nil manager as "do not record".
func NewManager(logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	var (
		manager types.MetricsManager
		err     error
	)

	switch config.Type {
	case "", "prometheus":
		namespace := config.Prefix
		if namespace == "" {
			namespace = "vault_worker"
		}
		manager = NewPrometheusMetrics(logger, &PrometheusConfig{
			Namespace:       namespace,
			Labels:          config.Labels,
			EnableGoMetrics: true,
		})
	default:
		creator, exists := customMetricsCreators.Load(config.Type)
		if !exists {
			return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", config.Type)
		}
		manager, err = creator.(MetricsManagerCreator)(logger, config)
		if err != nil {
			return nil, types.WrapError(err, "failed to create metrics manager")
		}
	}

	logger.Info("Metrics manager initialized", zap.String("type", config.Type))
	return manager, nil
}
