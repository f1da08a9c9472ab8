package system

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoader_Load_FileNotExists(t *testing.T) {
	loader := NewConfigLoader()
	cfg, err := loader.Load("/nonexistent/config.yaml")

	require.NoError(t, err)
	assert.Equal(t, DefaultHostConfig(), cfg)
}

func TestConfigLoader_Load_EmptyPath(t *testing.T) {
	cfg, err := NewConfigLoader().Load("")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Lattice)
}

func TestConfigLoader_Load_ValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
lattice: prod
labels:
  zone: a
nats:
  url: nats://lattice:4222
persistence:
  backend: sqlite
  sqlite:
    path: /var/lib/latticed/links.db
log:
  level: debug
  format: json
capabilities:
  - wasmcloud:keyvalue
  - wasmcloud:httpserver
security:
  level: strict
policy:
  can_load: 'claims.issuer in ["AISSUER"]'
rpc_timeout: 5s
restart:
  restart_on_exit: false
  max_restarts: 3
health:
  interval: 10s
`
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o600))

	cfg, err := NewConfigLoader().Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Lattice)
	assert.Equal(t, map[string]string{"zone": "a"}, cfg.Labels)
	assert.Equal(t, "nats://lattice:4222", cfg.NATS.URL)
	assert.Equal(t, 10*time.Second, cfg.StopTimeout, "unset fields keep defaults")
	assert.Equal(t, BackendSQLite, cfg.Persistence.Backend)
	assert.Equal(t, "/var/lib/latticed/links.db", cfg.Persistence.SQLite.Path)
	assert.True(t, cfg.StructuredLogging())
	assert.Equal(t, "strict", cfg.Security.Level)
	assert.Equal(t, `claims.issuer in ["AISSUER"]`, cfg.Policy.CanLoad)
	assert.Equal(t, 5*time.Second, cfg.RPCTimeout)
	assert.False(t, cfg.Restart.RestartOnExit)
	assert.Equal(t, 3, cfg.Restart.MaxRestarts)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)

	grant, err := cfg.Grant()
	require.NoError(t, err)
	assert.ElementsMatch(t, capabilities.NewGrant("wasmcloud:httpserver", "wasmcloud:keyvalue").Strings(), grant.Strings())
}

func TestConfigLoader_Load_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("lattice: [unclosed\n"), 0o600))

	_, err := NewConfigLoader().Load(configPath)
	require.Error(t, err)

	var cfgErr *apperrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestHostConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HostConfig)
		aspect string
	}{
		{"empty lattice", func(c *HostConfig) { c.Lattice = "" }, "lattice"},
		{"unknown backend", func(c *HostConfig) { c.Persistence.Backend = "etcd" }, "persistence.backend"},
		{"unknown log format", func(c *HostConfig) { c.Log.Format = "xml" }, "log.format"},
		{"memory limit", func(c *HostConfig) { c.WasmMemoryLimitMB = -5 }, "wasm_memory_limit_mb"},
		{"bad capability", func(c *HostConfig) { c.Capabilities = []string{"keyvalue"} }, "capabilities"},
		{"bad backoff", func(c *HostConfig) { c.Restart.Backoff = "random" }, "restart.backoff"},
	}

	require.NoError(t, DefaultHostConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultHostConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *apperrors.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.aspect, cfgErr.Aspect)
		})
	}
}
