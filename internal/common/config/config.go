// Package config provides configuration management for the Drover coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Workers    WorkerConfig     `mapstructure:"workers"`
	Blueprints BlueprintsConfig `mapstructure:"blueprints"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds the optional bearer-token authentication configuration.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// QueueConfig holds run queue and matching configuration.
type QueueConfig struct {
	LongPollSeconds    int `mapstructure:"longPollSeconds"`
	NoMatchTimeout     int `mapstructure:"noMatchTimeout"`    // in seconds
	TerminalRetention  int `mapstructure:"terminalRetention"` // audit window in seconds
	ReaperIntervalSecs int `mapstructure:"reaperInterval"`
}

// WorkerConfig holds worker lifecycle configuration.
type WorkerConfig struct {
	HeartbeatTimeout  int `mapstructure:"heartbeatTimeout"` // in seconds
	StaleAfter        int `mapstructure:"staleAfter"`
	RemoveAfter       int `mapstructure:"removeAfter"`
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // advertised to workers
}

// BlueprintsConfig holds agent blueprint registry configuration.
type BlueprintsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LongPoll returns the worker long-poll window as a time.Duration.
func (q *QueueConfig) LongPoll() time.Duration {
	return time.Duration(q.LongPollSeconds) * time.Second
}

// NoMatchDeadline returns the no-match timeout as a time.Duration.
func (q *QueueConfig) NoMatchDeadline() time.Duration {
	return time.Duration(q.NoMatchTimeout) * time.Second
}

// TerminalRetentionDuration returns the terminal-run audit window.
func (q *QueueConfig) TerminalRetentionDuration() time.Duration {
	return time.Duration(q.TerminalRetention) * time.Second
}

// ReaperInterval returns the reaper tick interval.
func (q *QueueConfig) ReaperInterval() time.Duration {
	return time.Duration(q.ReaperIntervalSecs) * time.Second
}

// StaleAfterDuration returns the online-to-stale threshold.
func (w *WorkerConfig) StaleAfterDuration() time.Duration {
	return time.Duration(w.StaleAfter) * time.Second
}

// RemoveAfterDuration returns the stale-to-removed threshold.
func (w *WorkerConfig) RemoveAfterDuration() time.Duration {
	return time.Duration(w.RemoveAfter) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DROVER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.corsOrigins", []string{"*"})

	// Database defaults
	v.SetDefault("database.path", "./drover.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "drover-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults - disabled means anonymous access is allowed
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Queue defaults
	v.SetDefault("queue.longPollSeconds", 30)
	v.SetDefault("queue.noMatchTimeout", 300)
	v.SetDefault("queue.terminalRetention", 300)
	v.SetDefault("queue.reaperInterval", 10)

	// Worker lifecycle defaults
	v.SetDefault("workers.heartbeatTimeout", 120)
	v.SetDefault("workers.staleAfter", 120)
	v.SetDefault("workers.removeAfter", 600)
	v.SetDefault("workers.heartbeatInterval", 30)

	// Blueprint registry defaults
	v.SetDefault("blueprints.dir", "")
	v.SetDefault("blueprints.watch", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DROVER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/drover/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare operational variable names are part of the deployment contract,
	// so bind them explicitly alongside the prefixed forms.
	_ = v.BindEnv("queue.longPollSeconds", "LONG_POLL_SECONDS", "DROVER_QUEUE_LONG_POLL_SECONDS")
	_ = v.BindEnv("queue.noMatchTimeout", "NO_MATCH_TIMEOUT", "DROVER_QUEUE_NO_MATCH_TIMEOUT")
	_ = v.BindEnv("queue.reaperInterval", "REAPER_INTERVAL", "DROVER_QUEUE_REAPER_INTERVAL")
	_ = v.BindEnv("workers.heartbeatTimeout", "HEARTBEAT_TIMEOUT", "DROVER_WORKERS_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("workers.staleAfter", "WORKER_STALE_AFTER", "DROVER_WORKERS_STALE_AFTER")
	_ = v.BindEnv("workers.removeAfter", "WORKER_REMOVE_AFTER", "DROVER_WORKERS_REMOVE_AFTER")
	_ = v.BindEnv("database.path", "DB_PATH", "DROVER_DATABASE_PATH")
	_ = v.BindEnv("server.corsOrigins", "CORS_ORIGINS", "DROVER_SERVER_CORS_ORIGINS")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED", "DROVER_AUTH_ENABLED")
	_ = v.BindEnv("auth.token", "AUTH_TOKEN", "DROVER_AUTH_TOKEN")
	_ = v.BindEnv("nats.url", "DROVER_NATS_URL")
	_ = v.BindEnv("blueprints.dir", "DROVER_BLUEPRINTS_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/drover/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token is required when auth.enabled is set")
	}

	if cfg.Queue.LongPollSeconds <= 0 {
		errs = append(errs, "queue.longPollSeconds must be positive")
	}
	if cfg.Queue.NoMatchTimeout <= 0 {
		errs = append(errs, "queue.noMatchTimeout must be positive")
	}
	if cfg.Queue.ReaperIntervalSecs <= 0 {
		errs = append(errs, "queue.reaperInterval must be positive")
	}

	if cfg.Workers.StaleAfter <= 0 {
		errs = append(errs, "workers.staleAfter must be positive")
	}
	if cfg.Workers.RemoveAfter < cfg.Workers.StaleAfter {
		errs = append(errs, "workers.removeAfter must not be less than workers.staleAfter")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
