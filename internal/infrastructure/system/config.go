// Package system provides infrastructure for host-level configuration.
// This includes loading the host config file (~/.latticed/config.yaml) and
// the capability allow-list.
package system

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/infrastructure/policy"
	"github.com/reglet-dev/latticed/internal/infrastructure/provider"
)

// HostConfig represents the host configuration file (~/.latticed/config.yaml).
type HostConfig struct {
	// HostSeed is the host's nkey seed. A fresh key is generated when empty.
	HostSeed string `yaml:"host_seed"`
	// ClusterIssuers lists additional host keys providers should accept
	// invocations from.
	ClusterIssuers []string `yaml:"cluster_issuers"`
	// TrustedIssuers restricts which accounts may sign claims. Empty accepts any.
	TrustedIssuers []string `yaml:"trusted_issuers"`

	Lattice string            `yaml:"lattice"`
	Labels  map[string]string `yaml:"labels"`

	NATS        NATSConfig        `yaml:"nats"`
	Admin       AdminConfig       `yaml:"admin"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Log         LogConfig         `yaml:"log"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Security    SecurityConfig    `yaml:"security"`

	// Capabilities is the allow-list of contract ids actors may claim.
	// Empty allows any.
	Capabilities []string     `yaml:"capabilities"`
	Policy       policy.Rules `yaml:"policy"`

	WasmMemoryLimitMB int                    `yaml:"wasm_memory_limit_mb"`
	CacheDir          string                 `yaml:"cache_dir"`
	RPCTimeout        time.Duration          `yaml:"rpc_timeout"`
	StopTimeout       time.Duration          `yaml:"stop_timeout"`
	Restart           provider.RestartPolicy `yaml:"restart"`
	Health            provider.HealthPolicy  `yaml:"health"`
}

// NATSConfig configures the lattice connection.
type NATSConfig struct {
	// URL of the lattice's NATS servers. Ignored when Embedded is set.
	URL         string `yaml:"url"`
	Credentials string `yaml:"credentials"`
	// Embedded runs an in-process NATS server on Host:Port.
	Embedded       bool          `yaml:"embedded"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Persistence backends for link definitions.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// PersistenceConfig selects where link definitions are stored.
type PersistenceConfig struct {
	Backend string      `yaml:"backend"`
	SQLite  SQLiteStore `yaml:"sqlite"`
	Redis   RedisStore  `yaml:"redis"`
}

// SQLiteStore configures the sqlite link store.
type SQLiteStore struct {
	Path string `yaml:"path"`
}

// RedisStore configures the redis link store.
type RedisStore struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig configures the host logger and the level passed to providers.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// SecretsConfig configures secret resolution sources.
type SecretsConfig struct {
	// Local defines static secrets for development (name -> value)
	Local map[string]string `yaml:"local"`

	// Env defines environment variable mappings (secret_name -> env_var_name)
	Env map[string]string `yaml:"env"`

	// Files defines file path mappings (secret_name -> file_path)
	Files map[string]string `yaml:"files"`
}

// SecurityConfig configures capability security policies.
type SecurityConfig struct {
	// Level defines the security policy: "strict", "standard", or "permissive"
	// - strict: Deny broad capabilities and enforce the allow-list
	// - standard: Warn about broad capabilities and enforce the allow-list (default)
	// - permissive: Allow all capabilities without warnings
	Level string `yaml:"level"`
}

// DefaultHostConfig returns a HostConfig with safe defaults for all fields.
// This is used when no config file exists.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		Lattice: "default",
		Labels:  map[string]string{},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Host:           "127.0.0.1",
			Port:           4222,
			ConnectTimeout: 5 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
		},
		Persistence: PersistenceConfig{
			Backend: BackendMemory,
			SQLite:  SQLiteStore{Path: "latticed.db"},
			Redis:   RedisStore{Addr: "127.0.0.1:6379"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Secrets: SecretsConfig{
			Local: make(map[string]string),
			Env:   make(map[string]string),
			Files: make(map[string]string),
		},
		Security:          SecurityConfig{Level: "standard"},
		Capabilities:      []string{},
		WasmMemoryLimitMB: 0, // 0 means use runtime default
		RPCTimeout:        2 * time.Second,
		StopTimeout:       10 * time.Second,
		Restart:           provider.DefaultRestartPolicy(),
		Health:            provider.DefaultHealthPolicy(),
	}
}

// ConfigLoader loads host configuration from disk.
type ConfigLoader struct{}

// NewConfigLoader creates a new host config loader.
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// Load loads the host configuration from the specified path over the
// defaults. If the file does not exist, returns DefaultHostConfig().
func (l *ConfigLoader) Load(path string) (*HostConfig, error) {
	cfg := DefaultHostConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	//nolint:gosec // G304: path is user-provided config file, validated to exist above
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.NewConfigurationError("host config", "failed to parse "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *HostConfig) Validate() error {
	if c.Lattice == "" {
		return apperrors.NewConfigurationError("lattice", "lattice prefix is required", nil)
	}
	switch c.Persistence.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return apperrors.NewConfigurationError("persistence.backend",
			fmt.Sprintf("unknown backend %q (expected memory, sqlite or redis)", c.Persistence.Backend), nil)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return apperrors.NewConfigurationError("log.format", fmt.Sprintf("unknown format %q", c.Log.Format), nil)
	}
	if c.WasmMemoryLimitMB < -1 {
		return apperrors.NewConfigurationError("wasm_memory_limit_mb", "must be -1, 0 or positive", nil)
	}
	if _, err := c.Grant(); err != nil {
		return apperrors.NewConfigurationError("capabilities", err.Error(), err)
	}
	if err := c.Restart.Backoff.Validate(); c.Restart.Backoff != "" && err != nil {
		return apperrors.NewConfigurationError("restart.backoff", err.Error(), err)
	}
	return nil
}

// Grant converts the capability allow-list into the domain grant.
func (c *HostConfig) Grant() (capabilities.Grant, error) {
	grant := make(capabilities.Grant, 0, len(c.Capabilities))
	for _, contractID := range c.Capabilities {
		capability, err := capabilities.ParseCapability(contractID)
		if err != nil {
			return nil, err
		}
		grant.Add(capability)
	}
	return grant, nil
}

// StructuredLogging reports whether the host and its providers log JSON.
func (c *HostConfig) StructuredLogging() bool {
	return c.Log.Format == "json"
}
