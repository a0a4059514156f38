// Package config provides configuration management for Nexus.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Nexus.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Workflows     WorkflowsConfig     `mapstructure:"workflows"`
	Storage       StorageConfig       `mapstructure:"storage"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Monitor       MonitorConfig       `mapstructure:"monitor"`
	Handoff       HandoffConfig       `mapstructure:"handoff"`
	Runtime       RuntimeConfig       `mapstructure:"runtime"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the admin API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkflowsConfig locates the workflow definition files.
type WorkflowsConfig struct {
	// DefinitionsDir holds the *.yaml workflow definitions loaded at boot.
	DefinitionsDir string `mapstructure:"definitionsDir"`
	// Platform selects the issue tracker driver: "gh" or "none".
	Platform string `mapstructure:"platform"`
	// Repo is the "owner/name" repository for the gh driver.
	Repo string `mapstructure:"repo"`
}

// Storage driver names.
const (
	StorageDriverFS       = "fs"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
)

// StorageConfig selects and configures the workflow storage driver.
type StorageConfig struct {
	// Driver is one of "fs", "sqlite", "postgres".
	Driver string `mapstructure:"driver"`
	// Root is the data directory for the fs driver.
	Root string `mapstructure:"root"`
	// Path is the database file for the sqlite driver.
	Path string `mapstructure:"path"`
	// DSN is the connection string for the postgres driver.
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds the optional NATS event mirror configuration.
// An empty URL disables the mirror; the in-process bus always runs.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// FuseConfig holds the retry-fuse windows and thresholds.
type FuseConfig struct {
	SoftWindowMinutes int `mapstructure:"softWindowMinutes"`
	SoftThreshold     int `mapstructure:"softThreshold"`
	HardWindowMinutes int `mapstructure:"hardWindowMinutes"`
	HardThreshold     int `mapstructure:"hardThreshold"`
}

// MonitorConfig holds the agent monitor configuration.
type MonitorConfig struct {
	PollIntervalSeconds int        `mapstructure:"pollIntervalSeconds"`
	KillGraceSeconds    int        `mapstructure:"killGraceSeconds"`
	StatePath           string     `mapstructure:"statePath"` // retry-fuse persistence file
	Fuse                FuseConfig `mapstructure:"fuse"`
}

// HandoffConfig holds agent handoff signing and dispatch configuration.
type HandoffConfig struct {
	// Secret is the shared HMAC key. Bound to NEXUS_HANDOFF_SECRET.
	Secret              string `mapstructure:"secret"`
	MaxRetries          int    `mapstructure:"maxRetries"`
	RetryBackoffSeconds int    `mapstructure:"retryBackoffSeconds"`
	TTLSeconds          int    `mapstructure:"ttlSeconds"` // 0 means no expiry
}

// RuntimeConfig configures the local exec agent runtime.
type RuntimeConfig struct {
	// Kind is "exec" for the local subprocess runtime or "none" when the
	// host wires its own AgentRuntime.
	Kind string `mapstructure:"kind"`
	// Command is the template invoked per launch; {agent} and {issue}
	// placeholders are substituted.
	Command string `mapstructure:"command"`
	LogDir  string `mapstructure:"logDir"`
}

// NotificationsConfig configures outbound alert delivery.
type NotificationsConfig struct {
	WebhookURLs []string `mapstructure:"webhookUrls"`
	// MinSeverity filters system alerts: info, warning, error, critical.
	MinSeverity string `mapstructure:"minSeverity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the monitor poll interval as a time.Duration.
func (m *MonitorConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalSeconds) * time.Second
}

// KillGrace returns the kill escalation grace window as a time.Duration.
func (m *MonitorConfig) KillGrace() time.Duration {
	return time.Duration(m.KillGraceSeconds) * time.Second
}

// SoftWindow returns the fuse soft window as a time.Duration.
func (f *FuseConfig) SoftWindow() time.Duration {
	return time.Duration(f.SoftWindowMinutes) * time.Minute
}

// HardWindow returns the fuse hard window as a time.Duration.
func (f *FuseConfig) HardWindow() time.Duration {
	return time.Duration(f.HardWindowMinutes) * time.Minute
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Workflow definition defaults
	v.SetDefault("workflows.definitionsDir", "~/.nexus/workflows")
	v.SetDefault("workflows.platform", "none")
	v.SetDefault("workflows.repo", "")

	// Storage defaults - fs driver under the local data dir
	v.SetDefault("storage.driver", "fs")
	v.SetDefault("storage.root", "~/.nexus/data")
	v.SetDefault("storage.path", "~/.nexus/nexus.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.maxConns", 25)
	v.SetDefault("storage.minConns", 5)

	// NATS defaults - empty URL means no external mirror
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "nexus")
	v.SetDefault("nats.maxReconnects", 10)

	// Monitor defaults
	v.SetDefault("monitor.pollIntervalSeconds", 60)
	v.SetDefault("monitor.killGraceSeconds", 5)
	v.SetDefault("monitor.statePath", "~/.nexus/fuse_state.json")
	v.SetDefault("monitor.fuse.softWindowMinutes", 10)
	v.SetDefault("monitor.fuse.softThreshold", 3)
	v.SetDefault("monitor.fuse.hardWindowMinutes", 60)
	v.SetDefault("monitor.fuse.hardThreshold", 2)

	// Handoff defaults - secret intentionally empty; dispatch refuses to sign
	v.SetDefault("handoff.secret", "")
	v.SetDefault("handoff.maxRetries", 3)
	v.SetDefault("handoff.retryBackoffSeconds", 2)
	v.SetDefault("handoff.ttlSeconds", 0)

	// Runtime defaults
	v.SetDefault("runtime.kind", "exec")
	v.SetDefault("runtime.command", "")
	v.SetDefault("runtime.logDir", "~/.nexus/logs")

	// Notification defaults
	v.SetDefault("notifications.webhookUrls", []string{})
	v.SetDefault("notifications.minSeverity", "warning")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix NEXUS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/nexus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys whose env var naming differs are bound explicitly.
	_ = v.BindEnv("handoff.secret", "NEXUS_HANDOFF_SECRET")
	_ = v.BindEnv("storage.dsn", "NEXUS_STORAGE_DSN")
	_ = v.BindEnv("runtime.logDir", "NEXUS_RUNTIME_LOG_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nexus/")

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

	switch cfg.Storage.Driver {
	case StorageDriverFS:
		if cfg.Storage.Root == "" {
			errs = append(errs, "storage.root is required for the fs driver")
		}
	case StorageDriverSQLite:
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	case StorageDriverPostgres:
		if cfg.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: fs, sqlite, postgres")
	}

	switch cfg.Workflows.Platform {
	case "none":
	case "gh":
		if cfg.Workflows.Repo == "" {
			errs = append(errs, "workflows.repo is required for the gh platform")
		}
	default:
		errs = append(errs, "workflows.platform must be one of: none, gh")
	}

	if cfg.Monitor.PollIntervalSeconds <= 0 {
		errs = append(errs, "monitor.pollIntervalSeconds must be positive")
	}
	if cfg.Monitor.Fuse.SoftThreshold <= 0 || cfg.Monitor.Fuse.HardThreshold <= 0 {
		errs = append(errs, "monitor.fuse thresholds must be positive")
	}
	if cfg.Monitor.Fuse.SoftWindowMinutes <= 0 || cfg.Monitor.Fuse.HardWindowMinutes <= 0 {
		errs = append(errs, "monitor.fuse windows must be positive")
	}

	if cfg.Handoff.MaxRetries < 0 {
		errs = append(errs, "handoff.maxRetries must not be negative")
	}
	if cfg.Handoff.RetryBackoffSeconds <= 0 {
		errs = append(errs, "handoff.retryBackoffSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	validSeverities := map[string]bool{"info": true, "warning": true, "error": true, "critical": true}
	if !validSeverities[strings.ToLower(cfg.Notifications.MinSeverity)] {
		errs = append(errs, "notifications.minSeverity must be one of: info, warning, error, critical")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
