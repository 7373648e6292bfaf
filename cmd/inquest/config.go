package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// serverConfig is the full inquest configuration. Every field can be set in
// the YAML file; the handful that deployments change per instance can also
// be overridden by environment variables in main.
type serverConfig struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Investigator investigatorConfig `yaml:"investigator"`

	// VaultKey enables credential attachment. Any non-empty string works;
	// the 32-byte cipher key is derived from it.
	VaultKey string `yaml:"vault_key"`

	// Workers is the number of concurrent job handlers.
	Workers int `yaml:"workers"`

	MaxAttempts    int           `yaml:"max_attempts"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	SelectorBudget int           `yaml:"selector_budget"`

	// Refetch enables server-side content verification in the admission
	// selector.
	Refetch bool `yaml:"refetch"`

	Retention retentionConfig `yaml:"retention"`
}

type investigatorConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type retentionConfig struct {
	EventsDays     int `yaml:"events_days"`
	HeartbeatsDays int `yaml:"heartbeats_days"`
}

func defaultConfig() *serverConfig {
	return &serverConfig{
		Listen:   ":8086",
		DBPath:   "db/inquest.db",
		LogLevel: "info",
		Investigator: investigatorConfig{
			Timeout: 5 * time.Minute,
		},
		Workers:        4,
		MaxAttempts:    3,
		LeaseDuration:  2 * time.Minute,
		SelectorBudget: 25,
		Retention: retentionConfig{
			EventsDays:     30,
			HeartbeatsDays: 7,
		},
	}
}

// loadConfig reads the optional YAML config file on top of the defaults.
func loadConfig(path string) (*serverConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *serverConfig) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	return nil
}
