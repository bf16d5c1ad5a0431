package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models meterline.yml.
type Config struct {
	Agency struct {
		Code string `yaml:"code"`
		Name string `yaml:"name"`
	} `yaml:"agency"`
	Lifecycle struct {
		LockTimeoutMS    int `yaml:"lock_timeout_ms"`
		RecomputeRetries int `yaml:"recompute_retries"`
	} `yaml:"lifecycle"`
	Collection struct {
		InstallmentPeriodMonths int `yaml:"installment_period_months"`
		SweepBatchSize          int `yaml:"sweep_batch_size"`
		MaxInstallments         int `yaml:"max_installments"`
	} `yaml:"collection"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one endpoint events are delivered to.
type Webhook struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Types  []string `yaml:"types"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ml agency config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agency.Code == "" {
		return fmt.Errorf("config.agency.code is required")
	}
	if c.Lifecycle.LockTimeoutMS < 0 {
		return fmt.Errorf("config.lifecycle.lock_timeout_ms must be >= 0")
	}
	if c.Lifecycle.RecomputeRetries < 0 {
		return fmt.Errorf("config.lifecycle.recompute_retries must be >= 0")
	}
	if c.Collection.InstallmentPeriodMonths < 0 {
		return fmt.Errorf("config.collection.installment_period_months must be >= 0")
	}
	if c.Collection.SweepBatchSize < 0 {
		return fmt.Errorf("config.collection.sweep_batch_size must be >= 0")
	}
	if c.Collection.MaxInstallments < 0 {
		return fmt.Errorf("config.collection.max_installments must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.Name == "" {
			return fmt.Errorf("webhook %d has empty name", i)
		}
		if hook.URL == "" {
			return fmt.Errorf("webhook %s has empty url", hook.Name)
		}
	}
	return nil
}

// LockTimeout returns the configured per-entity lock wait in milliseconds.
func (c *Config) LockTimeout() int {
	if c.Lifecycle.LockTimeoutMS == 0 {
		return 3000
	}
	return c.Lifecycle.LockTimeoutMS
}

// Retries returns the bounded retry count for stale parent writes.
func (c *Config) Retries() int {
	if c.Lifecycle.RecomputeRetries == 0 {
		return 3
	}
	return c.Lifecycle.RecomputeRetries
}

// InstallmentPeriod returns the months between installment due dates.
func (c *Config) InstallmentPeriod() int {
	if c.Collection.InstallmentPeriodMonths == 0 {
		return 1
	}
	return c.Collection.InstallmentPeriodMonths
}

// SweepBatch returns the page size of the late-installment sweep.
func (c *Config) SweepBatch() int {
	if c.Collection.SweepBatchSize == 0 {
		return 200
	}
	return c.Collection.SweepBatchSize
}

// MaxInstallmentCount caps how many installments a plan may carry.
func (c *Config) MaxInstallmentCount() int {
	if c.Collection.MaxInstallments == 0 {
		return 24
	}
	return c.Collection.MaxInstallments
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "meterline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agencyCode string) string {
	return fmt.Sprintf(defaultTemplate, agencyCode)
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

// Default returns the default Config struct for an agency.
func Default(agencyCode string) *Config {
	var cfg Config
	cfg.Agency.Code = agencyCode
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, agencyCode))).Decode(&cfg)
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

const defaultTemplate = `agency:
  code: %s
  name: ""

lifecycle:
  lock_timeout_ms: 3000
  recompute_retries: 3

collection:
  installment_period_months: 1
  sweep_batch_size: 200
  max_installments: 24

webhooks: []
`
