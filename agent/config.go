package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's configuration. It is read from YAML, then
// overridden by MINIDOC_* environment variables, then by flags.
type Config struct {
	// Endpoint is the collaboration server, e.g. "wss://docs.example.com".
	// Empty means discover it over mDNS.
	Endpoint string `yaml:"endpoint"`
	// API is the documents API root used for metadata.
	API   string `yaml:"api"`
	Token string `yaml:"token"`
	// Cache is the snapshot cache file. Empty disables caching.
	Cache string `yaml:"cache"`

	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxAttempts int           `yaml:"max_attempts"`

	// MetricsAddr, when set, serves Prometheus metrics on /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
	// DiscoverTimeout bounds the mDNS browse for an endpoint.
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
}

func defaultConfig() Config {
	cfg := Config{
		RetryDelay:      2 * time.Second,
		MaxAttempts:     5,
		DiscoverTimeout: 5 * time.Second,
	}
	if dir, err := os.UserCacheDir(); err == nil {
		cfg.Cache = filepath.Join(dir, "minidoc", "snapshots.db")
	}
	return cfg
}

// loadConfig reads path (if any) over the defaults and applies environment
// overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("MINIDOC_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := getenv("MINIDOC_API"); v != "" {
		cfg.API = v
	}
	if v := getenv("MINIDOC_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := getenv("MINIDOC_CACHE"); v != "" {
		cfg.Cache = v
	}
}
