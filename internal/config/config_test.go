package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.Image != "python:3.11-slim" {
		t.Errorf("Sandbox.Image = %q, want python:3.11-slim", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.DefaultTimeout != 30*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 30s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 128 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 128", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	if cfg.Sandbox.DefaultLimits.CPU != 0.5 {
		t.Errorf("DefaultLimits.CPU = %g, want 0.5", cfg.Sandbox.DefaultLimits.CPU)
	}
	if cfg.Direct.Interpreter != "python3" {
		t.Errorf("Direct.Interpreter = %q, want python3", cfg.Direct.Interpreter)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Sandbox.DefaultTimeout = 2 * time.Minute
			c.Sandbox.MaxTimeout = 1 * time.Minute
		}, true},
		{"memory_mb < 16", func(c *Config) { c.Sandbox.DefaultLimits.MemoryMB = 8 }, true},
		{"cpu 0", func(c *Config) { c.Sandbox.DefaultLimits.CPU = 0 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "podman" }, true},
		{"docker backend", func(c *Config) { c.Sandbox.Backend = "docker" }, false},
		{"containerd backend", func(c *Config) { c.Sandbox.Backend = "containerd" }, false},
		{"direct enabled without interpreter", func(c *Config) {
			c.Direct.Enabled = true
			c.Direct.Interpreter = ""
		}, true},
		{"direct disabled without interpreter", func(c *Config) {
			c.Direct.Enabled = false
			c.Direct.Interpreter = ""
		}, false},
		{"pool enabled with min_idle 0", func(c *Config) {
			c.Pool.Enabled = true
			c.Pool.MinIdle = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  backend: docker
  image: "python:3.12-slim"
  default_timeout: 15s
  max_timeout: 120s
  default_limits:
    memory_mb: 512
    cpu: 1.5
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("Sandbox.Backend = %q, want docker", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.Image != "python:3.12-slim" {
		t.Errorf("Sandbox.Image = %q", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.DefaultTimeout != 15*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 15s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 512 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 512", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	if cfg.Sandbox.DefaultLimits.CPU != 1.5 {
		t.Errorf("DefaultLimits.CPU = %g, want 1.5", cfg.Sandbox.DefaultLimits.CPU)
	}
	// Untouched sections keep their defaults.
	if cfg.Security.APIKeyHeader != "X-API-Key" {
		t.Errorf("Security.APIKeyHeader = %q", cfg.Security.APIKeyHeader)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
