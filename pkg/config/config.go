// Package config loads Cymbiont's YAML configuration file, per spec.md §6:
// backend.port, backend.max_port_attempts, backend.server_info_file,
// development.default_duration, and data_dir. A missing file is not an
// error — defaults apply wholesale.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Backend holds the wire-protocol server's listening and discovery settings.
type Backend struct {
	Port            int    `yaml:"port"`
	MaxPortAttempts int    `yaml:"max_port_attempts"`
	ServerInfoFile  string `yaml:"server_info_file"`
}

// Development holds settings only relevant to local/manual runs.
type Development struct {
	// DefaultDuration, when > 0, causes an otherwise-indefinite --server run
	// to end after that many seconds. Zero means run until signaled.
	DefaultDuration int `yaml:"default_duration"`
}

// Config is Cymbiont's full configuration surface.
type Config struct {
	Backend     Backend     `yaml:"backend"`
	Development Development `yaml:"development"`
	DataDir     string      `yaml:"data_dir"`
}

const (
	defaultPort            = 8888
	defaultMaxPortAttempts = 10
	defaultServerInfoFile  = "cymbiont_server.json"
	defaultDataDir         = "data"
)

// Default returns a Config with every field at its spec-mandated default.
func Default() *Config {
	return &Config{
		Backend: Backend{
			Port:            defaultPort,
			MaxPortAttempts: defaultMaxPortAttempts,
			ServerInfoFile:  defaultServerInfoFile,
		},
		DataDir: defaultDataDir,
	}
}

// Load reads path if present and merges it over the defaults; a missing
// file yields Default() unchanged, matching "missing sections fall back to
// defaults."
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw struct {
		Backend     *Backend     `yaml:"backend"`
		Development *Development `yaml:"development"`
		DataDir     *string      `yaml:"data_dir"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if raw.Backend != nil {
		if raw.Backend.Port != 0 {
			cfg.Backend.Port = raw.Backend.Port
		}
		if raw.Backend.MaxPortAttempts != 0 {
			cfg.Backend.MaxPortAttempts = raw.Backend.MaxPortAttempts
		}
		if raw.Backend.ServerInfoFile != "" {
			cfg.Backend.ServerInfoFile = raw.Backend.ServerInfoFile
		}
	}
	if raw.Development != nil {
		cfg.Development.DefaultDuration = raw.Development.DefaultDuration
	}
	if raw.DataDir != nil && *raw.DataDir != "" {
		cfg.DataDir = *raw.DataDir
	}

	return cfg, nil
}

// ApplyDataDirOverride resolves an override (e.g. from --data-dir) against
// the current working directory when relative, and takes precedence over
// whatever the YAML file set.
func (c *Config) ApplyDataDirOverride(override string) error {
	if override == "" {
		return nil
	}
	abs, err := filepath.Abs(override)
	if err != nil {
		return fmt.Errorf("config: resolve data dir override: %w", err)
	}
	c.DataDir = abs
	return nil
}

// ResolveDataDir returns DataDir as an absolute path, resolving relative
// values against the current working directory.
func (c *Config) ResolveDataDir() (string, error) {
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir, nil
	}
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return "", fmt.Errorf("config: resolve data dir: %w", err)
	}
	return abs, nil
}

// Validate rejects configurations with non-positive port or
// max_port_attempts.
func (c *Config) Validate() error {
	if c.Backend.Port <= 0 {
		return fmt.Errorf("config: backend.port must be positive, got %d", c.Backend.Port)
	}
	if c.Backend.MaxPortAttempts <= 0 {
		return fmt.Errorf("config: backend.max_port_attempts must be positive, got %d", c.Backend.MaxPortAttempts)
	}
	return nil
}

// String is safe to log unconditionally — there are no secrets in this
// config; the wire protocol's auth token lives on the connection, not here.
func (c *Config) String() string {
	return fmt.Sprintf("Config{backend.port=%d, backend.max_port_attempts=%d, backend.server_info_file=%q, data_dir=%q, development.default_duration=%d}",
		c.Backend.Port, c.Backend.MaxPortAttempts, c.Backend.ServerInfoFile, c.DataDir, c.Development.DefaultDuration)
}
