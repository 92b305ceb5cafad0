package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	MQTT       MQTTConfig       `koanf:"mqtt"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Stack      StackConfig      `koanf:"stack"`
	Transfer   TransferConfig   `koanf:"transfer"`
	Inherit    InheritConfig    `koanf:"inherit"`
	Sources    SourcesConfig    `koanf:"sources"`
	RulePack   string           `koanf:"rule_pack"`
	LogLevel   string           `koanf:"log_level"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type StorageConfig struct {
	Backend              string         `koanf:"backend"` // memory, postgres or sqlite
	Postgres             PostgresConfig `koanf:"postgres"`
	SQLite               SQLiteConfig   `koanf:"sqlite"`
	SweepIntervalSeconds int            `koanf:"sweep_interval_seconds"`
}

func (c StorageConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type MQTTConfig struct {
	BrokerURL   string `koanf:"broker_url"`
	ClientID    string `koanf:"client_id"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	TopicPrefix string `koanf:"topic_prefix"`
}

type ClassifierConfig struct {
	BaseURL   string `koanf:"base_url"`
	TimeoutMS int    `koanf:"timeout_ms"`
}

func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type StackConfig struct {
	MaxDepth        int `koanf:"max_depth"`
	FrameTTLSeconds int `koanf:"frame_ttl_seconds"`
}

func (c StackConfig) FrameTTL() time.Duration {
	return time.Duration(c.FrameTTLSeconds) * time.Second
}

type TransferConfig struct {
	SessionTimeoutSeconds int `koanf:"session_timeout_seconds"`
	ErrorThreshold        int `koanf:"error_threshold"`
}

func (c TransferConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

type InheritConfig struct {
	CacheTTLSeconds int `koanf:"cache_ttl_seconds"`
}

func (c InheritConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

type SourcesConfig struct {
	TimeoutMS                  int `koanf:"timeout_ms"`
	HistoryRetentionSeconds    int `koanf:"history_retention_seconds"`
	DependencyRetentionSeconds int `koanf:"dependency_retention_seconds"`
}

func (c SourcesConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c SourcesConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionSeconds) * time.Second
}

func (c SourcesConfig) DependencyRetention() time.Duration {
	return time.Duration(c.DependencyRetentionSeconds) * time.Second
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path (config.yaml when empty) and overlays
// DIALOG_* environment variables on top, DIALOG_STORAGE__BACKEND=sqlite
// mapping to storage.backend. A missing file is not an error; the defaults
// alone describe a runnable in-memory setup.
func Load(path string) (Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("DIALOG_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "DIALOG_")), "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Storage.Postgres.DSN = substituteEnvVars(cfg.Storage.Postgres.DSN)
	cfg.MQTT.Username = substituteEnvVars(cfg.MQTT.Username)
	cfg.MQTT.Password = substituteEnvVars(cfg.MQTT.Password)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.addr":                          ":9020",
		"storage.backend":                      "memory",
		"storage.sqlite.path":                  "dialog.db",
		"storage.sweep_interval_seconds":       300,
		"mqtt.client_id":                       "dialog-server",
		"mqtt.topic_prefix":                    "dialog",
		"classifier.timeout_ms":                1500,
		"stack.max_depth":                      5,
		"stack.frame_ttl_seconds":              1800,
		"transfer.session_timeout_seconds":     1800,
		"transfer.error_threshold":             3,
		"inherit.cache_ttl_seconds":            1800,
		"sources.timeout_ms":                   2000,
		"sources.history_retention_seconds":    86400,
		"sources.dependency_retention_seconds": 3600,
		"log_level":                            "info",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required when storage.backend=sqlite")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when storage.backend=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// SlogLevel maps log_level onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
