package config

import (
	"github.com/caarlos0/env/v11"

	"github.com/saiset-co/sai-vault-worker/types"
)

const EnvPrefix = "VAULT_WORKER_"

// ApplyEnv overlays VAULT_WORKER_* variables onto an already loaded config.
func ApplyEnv(target *types.ServiceConfig) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return types.WrapError(err, "parse env")
	}
	return nil
}
