// Package config loads farmdesk settings from ~/.farmdesk/config.yaml with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// BackendKeyring stores credentials in the OS keychain
	BackendKeyring = "keyring"
	// BackendFile stores credentials in a 0600 YAML file
	BackendFile = "file"
)

// DefaultServerURL is used when neither the file nor the environment set one
const DefaultServerURL = "http://localhost:8080"

// Config holds the client configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig locates the backend
type ServerConfig struct {
	URL       string `yaml:"url"`
	CSRFToken string `yaml:"csrf_token,omitempty"`
}

// StoreConfig selects where credentials are kept
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
}

// SessionConfig tunes the session layer
type SessionConfig struct {
	CoalesceRefresh bool          `yaml:"coalesce_refresh"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// LoggingConfig sets the log level
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	return &Config{
		Server:  ServerConfig{URL: DefaultServerURL},
		Store:   StoreConfig{Backend: BackendKeyring, Path: filepath.Join(GetConfigDir(), "credentials.yaml")},
		Session: SessionConfig{RequestTimeout: 10 * time.Second},
		Logging: LoggingConfig{Level: "info"},
	}
}

// GetConfigDir returns the configuration directory
func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".farmdesk")
}

// GetConfigPath returns the configuration file path
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Load reads the config file, if any, then applies environment overrides
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(GetConfigPath())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FARMDESK_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("FARMDESK_CSRF_TOKEN"); v != "" {
		c.Server.CSRFToken = v
	}
	if v := os.Getenv("FARMDESK_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("FARMDESK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FARMDESK_COALESCE_REFRESH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FARMDESK_COALESCE_REFRESH: %w", err)
		}
		c.Session.CoalesceRefresh = b
	}
	return nil
}

// Save writes the configuration file, creating the directory if needed
func (c *Config) Save() error {
	if err := os.MkdirAll(GetConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Set updates the field named by a section.field key
func (c *Config) Set(key, value string) error {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return fmt.Errorf("invalid key format. Expected format: section.field (e.g., server.url)")
	}

	section, field := parts[0], parts[1]
	switch section {
	case "server":
		switch field {
		case "url":
			c.Server.URL = value
		case "csrf_token":
			c.Server.CSRFToken = value
		default:
			return fmt.Errorf("unknown server field: %s", field)
		}
	case "store":
		switch field {
		case "backend":
			c.Store.Backend = value
		case "path":
			c.Store.Path = value
		default:
			return fmt.Errorf("unknown store field: %s", field)
		}
	case "session":
		switch field {
		case "coalesce_refresh":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", value)
			}
			c.Session.CoalesceRefresh = b
		case "request_timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration %q", value)
			}
			c.Session.RequestTimeout = d
		default:
			return fmt.Errorf("unknown session field: %s", field)
		}
	case "logging":
		switch field {
		case "level":
			c.Logging.Level = value
		default:
			return fmt.Errorf("unknown logging field: %s", field)
		}
	default:
		return fmt.Errorf("unknown config section: %s", section)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server URL must include a host")
	}

	switch c.Store.Backend {
	case BackendKeyring, BackendFile:
	default:
		return fmt.Errorf("unknown store backend %q (expected keyring or file)", c.Store.Backend)
	}
	if c.Store.Backend == BackendFile && c.Store.Path == "" {
		return errors.New("store path is required for the file backend")
	}

	if c.Session.RequestTimeout < 0 {
		return errors.New("request timeout cannot be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	return nil
}

// IsInsecure reports whether credentials would travel in clear text to a
// non-loopback host
func (c *Config) IsInsecure() bool {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme != "http" {
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
