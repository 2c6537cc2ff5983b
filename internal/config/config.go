package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default pacing values, matching the backend operators' rate expectations.
const (
	DefaultBatchSize    = 10
	DefaultRowDelayMS   = 500
	DefaultBatchDelayMS = 2000
)

// Config models credsync.yml.
type Config struct {
	Backend struct {
		BaseURL     string `yaml:"base_url"`
		BearerToken string `yaml:"bearer_token"`
		APIKey      string `yaml:"api_key"`
		TimeoutSec  int    `yaml:"timeout_sec"`
	} `yaml:"backend"`
	Event struct {
		ID          string `yaml:"id"`
		PerformedBy string `yaml:"performed_by"`
	} `yaml:"event"`
	Pacing struct {
		BatchSize    int `yaml:"batch_size"`
		RowDelayMS   int `yaml:"row_delay_ms"`
		BatchDelayMS int `yaml:"batch_delay_ms"`
	} `yaml:"pacing"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with credsync config init", path)
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
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config.backend.base_url is required")
	}
	if c.Pacing.BatchSize < 0 {
		return fmt.Errorf("config.pacing.batch_size must not be negative")
	}
	if c.Pacing.RowDelayMS < 0 {
		return fmt.Errorf("config.pacing.row_delay_ms must not be negative")
	}
	if c.Pacing.BatchDelayMS < 0 {
		return fmt.Errorf("config.pacing.batch_delay_ms must not be negative")
	}
	return nil
}

// ApplyDefaults fills unset pacing values.
func (c *Config) ApplyDefaults() {
	if c.Pacing.BatchSize == 0 {
		c.Pacing.BatchSize = DefaultBatchSize
	}
	if c.Pacing.RowDelayMS == 0 {
		c.Pacing.RowDelayMS = DefaultRowDelayMS
	}
	if c.Pacing.BatchDelayMS == 0 {
		c.Pacing.BatchDelayMS = DefaultBatchDelayMS
	}
	if c.Event.PerformedBy == "" {
		c.Event.PerformedBy = "importacao-massa"
	}
	if c.Backend.TimeoutSec == 0 {
		c.Backend.TimeoutSec = 30
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "credsync.yml")
}

// Default returns the default Config struct pointed at a backend URL.
func Default(baseURL string) *Config {
	var cfg Config
	cfg.Backend.BaseURL = baseURL
	cfg.ApplyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns default config YAML for a backend URL.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL)
}

const defaultTemplate = `backend:
  base_url: %s
  bearer_token: ""
  timeout_sec: 30

event:
  id: ""
  performed_by: importacao-massa

pacing:
  batch_size: 10
  row_delay_ms: 500
  batch_delay_ms: 2000
`
