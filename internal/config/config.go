// Package config handles service configuration: a YAML file with
// CALORISENSE_* environment overrides on top.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Storage  StorageConfig  `yaml:"storage"`
	Session  SessionConfig  `yaml:"session"`
	Persist  PersistConfig  `yaml:"persist"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig defines the HTTP listener. AuthToken empty disables
// bearer auth.
type ServerConfig struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// UpstreamConfig defines the chat-completion service connection.
type UpstreamConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // empty uses the service default
	Model   string `yaml:"model"`    // empty uses the service default
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// SessionConfig bounds the in-memory conversation transcript.
// MaxMessages 0 keeps the transcript unbounded.
type SessionConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// PersistConfig tunes the debounced working-set flush. FlushInterval is
// a Go duration string, e.g. "10s".
type PersistConfig struct {
	FlushInterval string `yaml:"flush_interval"`
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 8000},
		Storage:  StorageConfig{DataDir: defaultDataDir()},
		Persist:  PersistConfig{FlushInterval: "10s"},
		Session:  SessionConfig{MaxMessages: 0},
		LogLevel: "info",
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "calorisense")
	}
	return "data"
}

// searchPaths is the config file search order when no explicit path is
// given.
func searchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "calorisense", "config.yaml"))
	}
	return append(paths, "/etc/calorisense/config.yaml")
}

// Load reads configuration. An explicit path must exist; with an empty
// path the default locations are searched, and a missing file falls back
// to defaults plus environment overrides. ${VAR} references inside the
// file are expanded before parsing.
func Load(explicit string) (Config, error) {
	cfg := defaults()

	path := explicit
	if path == "" {
		for _, p := range searchPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("config file not found: %s", path)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("CALORISENSE_API_KEY", &cfg.Upstream.APIKey)
	setString("CALORISENSE_BASE_URL", &cfg.Upstream.BaseURL)
	setString("CALORISENSE_MODEL", &cfg.Upstream.Model)
	setString("CALORISENSE_ADDRESS", &cfg.Server.Address)
	setInt("CALORISENSE_PORT", &cfg.Server.Port)
	setString("CALORISENSE_AUTH_TOKEN", &cfg.Server.AuthToken)
	setString("CALORISENSE_DATA_DIR", &cfg.Storage.DataDir)
	setInt("CALORISENSE_SESSION_MAX_MESSAGES", &cfg.Session.MaxMessages)
	setString("CALORISENSE_FLUSH_INTERVAL", &cfg.Persist.FlushInterval)
	setString("CALORISENSE_LOG_LEVEL", &cfg.LogLevel)
}

func (c Config) validate() error {
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("missing required config: upstream API key (set upstream.api_key or CALORISENSE_API_KEY)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if _, err := time.ParseDuration(c.Persist.FlushInterval); err != nil {
		return fmt.Errorf("invalid persist.flush_interval %q: %w", c.Persist.FlushInterval, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// FlushInterval returns the parsed debounce interval. Only valid on a
// Config that passed Load.
func (c Config) FlushInterval() time.Duration {
	d, err := time.ParseDuration(c.Persist.FlushInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// SlogLevel returns the parsed log level. Only valid on a Config that
// passed Load.
func (c Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (want debug, info, warn, or error)", s)
	}
}
