package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"okrline/internal/pipeline"
	"okrline/internal/remote"
)

const (
	FileName     = "okrline.yml"
	TOMLFileName = "okrline.toml"
)

// Config models okrline.yml (or okrline.toml).
type Config struct {
	Remote Remote `yaml:"remote" toml:"remote" json:"remote"`
	Server struct {
		Addr     string `yaml:"addr" toml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" toml:"base_path" json:"base_path"`
	} `yaml:"server" toml:"server" json:"server"`
	Watch struct {
		Inbox string `yaml:"inbox" toml:"inbox" json:"inbox"`
	} `yaml:"watch" toml:"watch" json:"watch"`
	Webhooks []WebhookConfig `yaml:"webhooks" toml:"webhooks" json:"webhooks,omitempty"`
}

// WebhookConfig describes one event subscriber. Empty Events means every event.
type WebhookConfig struct {
	URL            string   `yaml:"url" toml:"url" json:"url"`
	Events         []string `yaml:"events" toml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" toml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" toml:"enabled" json:"enabled,omitempty"`
}

// Remote configures the extraction service. Credentials are normally left
// empty in the file and supplied through OKRLINE_REMOTE_* variables.
type Remote struct {
	BaseURL       string  `yaml:"base_url" toml:"base_url" json:"base_url"`
	Token         string  `yaml:"token" toml:"token" json:"-"`
	AppID         string  `yaml:"app_id" toml:"app_id" json:"app_id"`
	UsageKey      string  `yaml:"usage_key" toml:"usage_key" json:"-"`
	Timeout       string  `yaml:"timeout" toml:"timeout" json:"timeout"`
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst" json:"burst"`
	PromptVersion string  `yaml:"prompt_version" toml:"prompt_version" json:"prompt_version"`
}

// Load reads and validates config from workspace. A missing file yields defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if no config file exists.
func LoadOptional(workspace string) (*Config, error) {
	for _, path := range []string{Path(workspace), filepath.Join(dir(workspace), TOMLFileName)} {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		return FromFile(path)
	}
	return nil, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.remote.base_url must be an http(s) URL")
	}
	if _, err := pipeline.Prompt(c.Remote.PromptVersion); err != nil {
		return fmt.Errorf("config.remote.prompt_version: %w", err)
	}
	if c.Remote.Timeout != "" {
		d, err := time.ParseDuration(c.Remote.Timeout)
		if err != nil {
			return fmt.Errorf("config.remote.timeout is invalid: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("config.remote.timeout must not be negative")
		}
	}
	if c.Remote.RatePerSecond < 0 {
		return fmt.Errorf("config.remote.rate_per_second must not be negative")
	}
	if c.Remote.Burst < 0 {
		return fmt.Errorf("config.remote.burst must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// TimeoutDuration returns the remote timeout, zero when unset.
func (c *Config) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Remote.Timeout)
	return d
}

// Path returns the YAML config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(dir(workspace), FileName)
}

func dir(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes, on top of the defaults.
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

// FromTOML parses and validates config from raw TOML bytes, on top of the defaults.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from path, choosing the format by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

var defaultTemplate = `remote:
  base_url: ` + remote.DefaultBaseURL + `
  timeout: 60s
  rate_per_second: 2
  burst: 1
  prompt_version: ` + pipeline.DefaultPromptVersion + `

server:
  addr: 127.0.0.1:8080
  base_path: /v0

watch:
  inbox: inbox
`
