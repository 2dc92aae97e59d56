package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Direct   DirectConfig   `yaml:"direct"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Security SecurityConfig `yaml:"security"`
	Pool     PoolConfig     `yaml:"pool"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// DirectConfig controls the unisolated host-process execution path.
type DirectConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Interpreter string   `yaml:"interpreter"`
	Args        []string `yaml:"args"`
}

type SandboxConfig struct {
	// Isolate picks the default execution mode; requests may override it.
	Isolate          bool          `yaml:"isolate"`
	Backend          string        `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	Image            string        `yaml:"image"`
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	MemoryMB int64   `yaml:"memory_mb"`
	CPU      float64 `yaml:"cpu"` // fraction of one core
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// PoolConfig controls pre-provisioned environment pooling.
type PoolConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinIdle     int           `yaml:"min_idle"`
	RefillDelay time.Duration `yaml:"refill_delay"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Direct: DirectConfig{
			Enabled:     true,
			Interpreter: "python3",
			Args:        []string{"-u", "-c"},
		},
		Sandbox: SandboxConfig{
			Isolate:          true,
			Backend:          "auto",
			Image:            "python:3.11-slim",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "codexec",
			DefaultTimeout:   30 * time.Second,
			MaxTimeout:       60 * time.Second,
			DefaultLimits: DefaultLimits{
				MemoryMB: 128,
				CPU:      0.5,
			},
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Pool: PoolConfig{
			Enabled:     false,
			MinIdle:     2,
			RefillDelay: 500 * time.Millisecond,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	switch c.Sandbox.Backend {
	case "", "auto", "containerd", "docker":
	default:
		return fmt.Errorf("sandbox.backend must be auto, containerd or docker, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if c.Sandbox.DefaultLimits.CPU <= 0 {
		return fmt.Errorf("sandbox.default_limits.cpu must be positive")
	}
	if c.Direct.Enabled && c.Direct.Interpreter == "" {
		return fmt.Errorf("direct.interpreter is required when the direct path is enabled")
	}
	if c.Pool.Enabled && c.Pool.MinIdle < 1 {
		return fmt.Errorf("pool.min_idle must be >= 1 when pooling is enabled")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
