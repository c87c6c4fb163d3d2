// Package config loads the blexchange YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/blexchange/exchange"
	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
)

// Roles
const (
	RoleAdvertiser = "advertiser"
	RoleScanner    = "scanner"
)

// Transports
const (
	TransportMemory = "memory"
	TransportWire   = "wire"
	TransportRadio  = "radio"
)

// Config holds everything a blexchange run needs
type Config struct {
	Role      string `yaml:"role"` // "advertiser" or "scanner"
	LocalName string `yaml:"local_name"`

	Transport string `yaml:"transport"` // "memory", "wire" or "radio"
	Adapter   string `yaml:"adapter"`   // BlueZ adapter for the radio transport
	DataDir   string `yaml:"data_dir"`  // socket bus directory for the wire transport

	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	Codec        string        `yaml:"codec"`      // "json" or "proto"
	WriteMode    string        `yaml:"write_mode"` // "with_response" or "without_response"
	BurstCount   int           `yaml:"burst_count"`
	SeedIndex    int64         `yaml:"seed_index"`

	LogLevel string `yaml:"log_level"`
	LogLimit int    `yaml:"log_limit"` // exchange log entries kept, 0 = unbounded

	// Partner pins the advertiser to one central id
	Partner string `yaml:"partner"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blexchange")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config for a scanner on the socket bus
func Default() *Config {
	return &Config{
		Role:         RoleScanner,
		LocalName:    protocol.DefaultLocalName,
		Transport:    TransportWire,
		ReadyTimeout: 10 * time.Second,
		Codec:        "json",
		WriteMode:    "without_response",
		BurstCount:   exchange.DefaultBurstCount,
		SeedIndex:    exchange.DefaultSeedIndex,
		LogLevel:     "info",
	}
}

// Load reads and parses a YAML config file. Missing fields keep their
// defaults; a leading ~ in data_dir is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.DataDir = expandTilde(cfg.DataDir)
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleAdvertiser, RoleScanner:
	default:
		return fmt.Errorf("role must be %q or %q, got %q", RoleAdvertiser, RoleScanner, c.Role)
	}

	switch c.Transport {
	case TransportMemory, TransportWire, TransportRadio:
	default:
		return fmt.Errorf("transport must be memory, wire, or radio, got %q", c.Transport)
	}

	if c.LocalName == "" {
		return fmt.Errorf("local_name must not be empty")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready_timeout must be > 0")
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if _, err := transport.ParseWriteMode(c.WriteMode); err != nil {
		return fmt.Errorf("write_mode: %w", err)
	}
	if c.BurstCount <= 0 {
		return fmt.Errorf("burst_count must be > 0")
	}
	if c.SeedIndex < 0 {
		return fmt.Errorf("seed_index must be >= 0")
	}
	if c.LogLimit < 0 {
		return fmt.Errorf("log_limit must be >= 0")
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}

// Level is the parsed log_level
func (c *Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel)
}

// Mode is the parsed write_mode. Call Validate first.
func (c *Config) Mode() transport.WriteMode {
	m, _ := transport.ParseWriteMode(c.WriteMode)
	return m
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
