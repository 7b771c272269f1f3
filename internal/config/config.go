package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FileName = "ballotbox.yml"

	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"

	// DefaultMaxEncodedSize is the largest encoded proposal record accepted
	// on create and edit.
	DefaultMaxEncodedSize = 5000
)

// Config models ballotbox.yml.
type Config struct {
	Store struct {
		Driver string `yaml:"driver" json:"driver"`
		Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	} `yaml:"store" json:"store"`
	Limits struct {
		MaxEncodedSize int `yaml:"max_encoded_size" json:"max_encoded_size"`
	} `yaml:"limits" json:"limits"`
	Server struct {
		Addr                    string `yaml:"addr" json:"addr"`
		BasePath                string `yaml:"base_path" json:"base_path"`
		AllowLegacyCallerHeader bool   `yaml:"allow_legacy_caller_header" json:"allow_legacy_caller_header"`
	} `yaml:"server" json:"server"`
	Log struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"log" json:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverBadger, DriverMemory:
	default:
		return fmt.Errorf("config.store.driver must be one of %s, %s, %s", DriverSQLite, DriverBadger, DriverMemory)
	}
	if c.Limits.MaxEncodedSize <= 0 {
		return fmt.Errorf("config.limits.max_encoded_size must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhook %d: invalid url %s", i, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d: timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhook %d has empty event type", i)
			}
		}
	}
	return nil
}

// ParseLevel maps the log.level setting to a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", level)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	// the template is a constant, a decode failure is a programming error
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// fields fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  # sqlite keeps proposals next to the event log; badger uses its own directory
  driver: sqlite

limits:
  max_encoded_size: 5000

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_legacy_caller_header: false

log:
  level: info
`
