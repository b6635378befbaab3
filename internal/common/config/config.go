// Package config provides configuration management for agentboard.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentboard.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// GatewayConfig holds the connection settings for the upstream agent gateway.
type GatewayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`

	// Scopes requested during the operator handshake.
	Scopes []string `mapstructure:"scopes"`

	// ReconnectDelay is the wait in seconds before re-dialing after an
	// abnormal close.
	ReconnectDelay int `mapstructure:"reconnectDelay"`

	// MaxReconnects caps reconnect attempts for the dashboard-facing link.
	// Zero means unlimited. The executor's link always reconnects.
	MaxReconnects int `mapstructure:"maxReconnects"`

	// HeartbeatInterval is the ping period in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`

	// HandshakeFallback is the wait in milliseconds before sending the
	// connect frame unprompted when no challenge arrives.
	HandshakeFallback int `mapstructure:"handshakeFallback"`
}

// JobsConfig holds job store and executor configuration.
type JobsConfig struct {
	// DataDir is where the job collection document and result blobs live.
	DataDir string `mapstructure:"dataDir"`

	// PollInterval is the executor poll period in seconds.
	PollInterval int `mapstructure:"pollInterval"`

	// TaskTimeout is the per-job execution deadline in seconds.
	TaskTimeout int `mapstructure:"taskTimeout"`

	// RequestTimeout is the deadline in seconds for the task acceptance
	// round trip on the gateway link.
	RequestTimeout int `mapstructure:"requestTimeout"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds dashboard authentication configuration.
type AuthConfig struct {
	// SessionToken is the shared credential required on REST calls and the
	// /ws upgrade. Empty disables auth (development mode).
	SessionToken string `mapstructure:"sessionToken"`

	// WSAttemptLimit and WSAttemptWindow bound upgrade attempts per IP.
	WSAttemptLimit  int `mapstructure:"wsAttemptLimit"`
	WSAttemptWindow int `mapstructure:"wsAttemptWindow"` // in seconds
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

// ReconnectDelayDuration returns the reconnect delay as a time.Duration.
func (g *GatewayConfig) ReconnectDelayDuration() time.Duration {
	return time.Duration(g.ReconnectDelay) * time.Second
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (g *GatewayConfig) HeartbeatDuration() time.Duration {
	return time.Duration(g.HeartbeatInterval) * time.Second
}

// HandshakeFallbackDuration returns the handshake fallback as a time.Duration.
func (g *GatewayConfig) HandshakeFallbackDuration() time.Duration {
	return time.Duration(g.HandshakeFallback) * time.Millisecond
}

// PollIntervalDuration returns the executor poll interval as a time.Duration.
func (j *JobsConfig) PollIntervalDuration() time.Duration {
	return time.Duration(j.PollInterval) * time.Second
}

// TaskTimeoutDuration returns the per-job execution deadline as a time.Duration.
func (j *JobsConfig) TaskTimeoutDuration() time.Duration {
	return time.Duration(j.TaskTimeout) * time.Second
}

// RequestTimeoutDuration returns the acceptance round-trip deadline as a time.Duration.
func (j *JobsConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(j.RequestTimeout) * time.Second
}

// WSAttemptWindowDuration returns the upgrade attempt window as a time.Duration.
func (a *AuthConfig) WSAttemptWindowDuration() time.Duration {
	return time.Duration(a.WSAttemptWindow) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTBOARD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Gateway defaults
	v.SetDefault("gateway.url", "ws://localhost:8790/ws")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.scopes", []string{"agent:task", "events:subscribe"})
	v.SetDefault("gateway.reconnectDelay", 10)
	v.SetDefault("gateway.maxReconnects", 0)
	v.SetDefault("gateway.heartbeatInterval", 30)
	v.SetDefault("gateway.handshakeFallback", 2000)

	// Jobs defaults
	v.SetDefault("jobs.dataDir", "./data")
	v.SetDefault("jobs.pollInterval", 5)
	v.SetDefault("jobs.taskTimeout", 300)
	v.SetDefault("jobs.requestTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentboard")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.sessionToken", "")
	v.SetDefault("auth.wsAttemptLimit", 10)
	v.SetDefault("auth.wsAttemptWindow", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTBOARD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentboard/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("gateway.url", "AGENTBOARD_GATEWAY_URL")
	_ = v.BindEnv("gateway.token", "AGENTBOARD_GATEWAY_TOKEN")
	_ = v.BindEnv("jobs.dataDir", "AGENTBOARD_JOBS_DATA_DIR")
	_ = v.BindEnv("auth.sessionToken", "AGENTBOARD_AUTH_SESSION_TOKEN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentboard/")

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

	if cfg.Gateway.URL == "" {
		errs = append(errs, "gateway.url is required")
	}
	if cfg.Gateway.ReconnectDelay <= 0 {
		errs = append(errs, "gateway.reconnectDelay must be positive")
	}
	if cfg.Gateway.HeartbeatInterval <= 0 {
		errs = append(errs, "gateway.heartbeatInterval must be positive")
	}

	if cfg.Jobs.DataDir == "" {
		errs = append(errs, "jobs.dataDir is required")
	}
	if cfg.Jobs.PollInterval <= 0 {
		errs = append(errs, "jobs.pollInterval must be positive")
	}
	if cfg.Jobs.TaskTimeout <= 0 {
		errs = append(errs, "jobs.taskTimeout must be positive")
	}

	if cfg.Auth.WSAttemptLimit <= 0 {
		errs = append(errs, "auth.wsAttemptLimit must be positive")
	}
	if cfg.Auth.WSAttemptWindow <= 0 {
		errs = append(errs, "auth.wsAttemptWindow must be positive")
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
