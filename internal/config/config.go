package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models timelock.yml.
type Config struct {
	Self struct {
		// Identity is the target string that routes a queued command back
		// into the engine instead of out through the dispatcher.
		Identity string `yaml:"identity"`
	} `yaml:"self"`
	Dispatch struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"dispatch"`
	Roles struct {
		// Grants maps role id to the actor ids seeded with it at startup.
		Grants map[string][]string `yaml:"grants"`
	} `yaml:"roles"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

var knownRoles = map[string]bool{
	"proposer":  true,
	"executor":  true,
	"emergency": true,
	"admin":     true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tlk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Self.Identity == "" {
		return fmt.Errorf("config.self.identity is required")
	}
	if strings.Contains(c.Self.Identity, "://") {
		return fmt.Errorf("config.self.identity must not be a URL")
	}
	if c.Dispatch.TimeoutSeconds < 0 {
		return fmt.Errorf("config.dispatch.timeout_seconds must not be negative")
	}
	for roleID, actors := range c.Roles.Grants {
		if !knownRoles[roleID] {
			return fmt.Errorf("config.roles.grants references unknown role %s", roleID)
		}
		for _, actorID := range actors {
			if actorID == "" {
				return fmt.Errorf("role %s has empty actor id", roleID)
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// DispatchTimeoutSeconds returns the configured dispatcher timeout with default.
func (c *Config) DispatchTimeoutSeconds() int {
	if c == nil || c.Dispatch.TimeoutSeconds == 0 {
		return 10
	}
	return c.Dispatch.TimeoutSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "timelock.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(identity string) string {
	return fmt.Sprintf(defaultTemplate, identity)
}

// Default returns the default Config struct for an engine identity.
func Default(identity string) *Config {
	var cfg Config
	cfg.Self.Identity = identity
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, identity))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `self:
  identity: %s

dispatch:
  timeout_seconds: 10

roles:
  grants:
    proposer: []
    executor: []
    emergency: []
    admin: []

webhooks: []
`
