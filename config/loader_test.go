package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vault-worker/types"
)

const sampleConfig = `
name: vault-worker
version: 2.0.0
cache:
  type: memory
worker:
  cache_version: v3
  origin: https://vault.example.com
  remote_hosts:
    - api.example.com
    - "*.rpc.example.com"
notifications:
  permission: granted
  replace_pending: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoader_LoadFromFile(t *testing.T) {
	cfg, err := NewLoader().LoadFromFile(context.Background(), writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "2.0.0", cfg.Version)
	assert.Equal(t, "v3", cfg.Worker.CacheVersion)
	assert.Equal(t, "https://vault.example.com", cfg.Worker.Origin)
	assert.Equal(t, []string{"api.example.com", "*.rpc.example.com"}, cfg.Worker.RemoteHosts)
	assert.Equal(t, types.PermissionGranted, cfg.Notifications.Permission)
	assert.True(t, cfg.Notifications.ReplacePending)

	// untouched sections keep defaults
	assert.Equal(t, "vault-static", cfg.Worker.Stores.Static)
	assert.Equal(t, []string{"/", "/index.html", "/manifest.json"}, cfg.Worker.SeedAssets)
	assert.Equal(t, "/__worker", cfg.Worker.ControlPrefix)
	assert.Equal(t, 8080, cfg.Server.HTTP.Port)
}

func TestLoader_EnvOverlay(t *testing.T) {
	t.Setenv("VAULT_WORKER_WORKER_CACHE_VERSION", "v9")
	t.Setenv("VAULT_WORKER_SERVER_HTTP_PORT", "9090")
	t.Setenv("VAULT_WORKER_NOTIFICATIONS_PERMISSION", "denied")

	cfg, err := NewLoader().LoadFromFile(context.Background(), writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "v9", cfg.Worker.CacheVersion)
	assert.Equal(t, 9090, cfg.Server.HTTP.Port)
	assert.Equal(t, types.PermissionDenied, cfg.Notifications.Permission)
}

func TestLoader_ValidationFailure(t *testing.T) {
	_, err := NewLoader().LoadFromBytes([]byte("cache:\n  type: etcd\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().LoadFromFile(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)

	_, err = NewLoader().LoadFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestConfigurationManager_GetValue(t *testing.T) {
	cm, err := NewConfigurationManager(context.Background(), writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "v3", cm.GetValue("worker.cache_version", ""))
	assert.Equal(t, "fallback", cm.GetValue("worker.nope", "fallback"))

	var stores types.StoreNames
	require.NoError(t, cm.GetAs("worker.stores", &stores))
	assert.Equal(t, "vault-data", stores.VaultData)

	assert.ErrorIs(t, cm.GetAs("missing.path", &stores), types.ErrConfigNotFound)
	assert.Contains(t, cm.Paths(), "worker.cache_version")
}
