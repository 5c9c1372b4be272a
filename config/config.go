// Package config defines the task engine's configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level task engine configuration.
type Config struct {
	Server          ServerConfig `json:"server" yaml:"server"`
	SQLitePath      string       `json:"sqlite_path" yaml:"sqlite_path"`
	MaxTaskDuration int          `json:"max_task_duration_seconds" yaml:"max_task_duration_seconds"`
	TestMode        bool         `json:"test_mode" yaml:"test_mode"`
	LogLevel        string       `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP + stream listener.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g. ":9090"
}

// DefaultConfig returns a config with the defaults named in the external
// interfaces contract: a 600-second worker deadline, test mode off, INFO
// logging.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		SQLitePath:      "ratchet.db",
		MaxTaskDuration: 600,
		TestMode:        false,
		LogLevel:        "info",
	}
}

// Load reads a YAML config file over DefaultConfig, so a partial file
// only overrides what it specifies. test_mode is only ever read from
// here — no environment variable is consulted, by explicit policy.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
