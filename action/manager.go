package action

import (
	"context"

	"github.com/saiset-co/sai-vault-worker/types"
)

var customActionCreators = make(map[string]types.ActionBrokerCreator)

func RegisterActionBroker(actionBrokerName string, creator types.ActionBrokerCreator) {
	customActionCreators[actionBrokerName] = creator
}

func newBroker(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.ActionsConfig) (types.ActionBroker, error) {
	switch config.Type {
	case "", "websocket":
		return NewWebSocketRelay(ctx, logger, metrics, config.Config)
	default:
		if creator, exists := customActionCreators[config.Type]; exists {
			return creator(config.Config)
		}
		return nil, types.Errorf(types.ErrActionTypeUnknown, "type: %s", config.Type)
	}
}
