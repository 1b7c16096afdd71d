// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultDataDir returns the default directory for the connector's data.
// Uses ~/.whatsapp-connect/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".whatsapp-connect")
}

// Config holds all configuration for the connector service.
type Config struct {
	// HTTP surface for the admin console
	ListenAddr string `mapstructure:"listen_addr"`

	// Gateway websocket endpoint; the tenant id is appended per channel,
	// e.g. ws://gateway:8080/ws/whatsapp/<tenantID>
	GatewayURL string `mapstructure:"gateway_url"`

	// Persistence
	StorePath string `mapstructure:"store_path"`

	// Controller timers
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ErrorClearAfter time.Duration `mapstructure:"error_clear_after"`

	// Channel reconnection
	ReconnectBaseDelay  time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMaxRetries int           `mapstructure:"reconnect_max_retries"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8090",
		GatewayURL:          "ws://localhost:8080/ws/whatsapp",
		StorePath:           filepath.Join(defaultDataDir(), "connect.db"),
		PollInterval:        5 * time.Second,
		ErrorClearAfter:     5 * time.Second,
		ReconnectBaseDelay:  1 * time.Second,
		ReconnectMaxDelay:   30 * time.Second,
		ReconnectMaxRetries: 5,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("gateway_url", defaults.GatewayURL)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("error_clear_after", defaults.ErrorClearAfter)
	v.SetDefault("reconnect_base_delay", defaults.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", defaults.ReconnectMaxDelay)
	v.SetDefault("reconnect_max_retries", defaults.ReconnectMaxRetries)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	// Environment variables with WACONNECT_ prefix
	v.SetEnvPrefix("WACONNECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Ignore if the default config.yaml simply doesn't exist and use
			// built-in defaults. Only fail on an explicitly unreadable file.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	u, err := url.Parse(c.GatewayURL)
	if err != nil {
		return fmt.Errorf("invalid gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid gateway url scheme: %s (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway url missing host")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen addr must be set")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.ErrorClearAfter <= 0 {
		return fmt.Errorf("error clear delay must be positive")
	}

	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries must be non-negative")
	}

	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}

	if c.ReconnectMaxDelay <= 0 {
		return fmt.Errorf("reconnect max delay must be positive")
	}

	if c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("reconnect base delay must be less than or equal to max delay")
	}

	return nil
}

// TenantEndpoint returns the gateway websocket URL for one tenant.
func (c *Config) TenantEndpoint(tenantID string) string {
	return strings.TrimSuffix(c.GatewayURL, "/") + "/" + tenantID
}
