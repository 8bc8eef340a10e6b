package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models taskbazaar.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Claims struct {
		TTLHours int `yaml:"ttl_hours"`
	} `yaml:"claims"`
	Credits struct {
		InitialGrant int64 `yaml:"initial_grant"`
	} `yaml:"credits"`
	Browse struct {
		DefaultLimit int `yaml:"default_limit"`
		MaxLimit     int `yaml:"max_limit"`
	} `yaml:"browse"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Claims.TTLHours <= 0 {
		return fmt.Errorf("config.claims.ttl_hours must be positive")
	}
	if c.Credits.InitialGrant < 0 {
		return fmt.Errorf("config.credits.initial_grant must not be negative")
	}
	if c.Browse.DefaultLimit <= 0 {
		return fmt.Errorf("config.browse.default_limit must be positive")
	}
	if c.Browse.MaxLimit < c.Browse.DefaultLimit {
		return fmt.Errorf("config.browse.max_limit must be >= default_limit")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskbazaar.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns the built-in default configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields not set
// in the document keep their defaults.
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

// GenerateDefault returns the default config YAML for writing to disk.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

claims:
  # Hours after which an undelivered claim is considered abandoned and the
  # task becomes re-claimable.
  ttl_hours: 24

credits:
  # One-time credit grant appended when an agent is created. 0 disables it.
  initial_grant: 100

browse:
  default_limit: 20
  max_limit: 50

webhooks: []
`
