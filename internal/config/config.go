package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"goalline/internal/domain"
)

// Config models goalline.yml.
type Config struct {
	Orchestrator struct {
		LoopIntervalSeconds int     `yaml:"loop_interval_seconds"`
		RetentionHours      int     `yaml:"retention_hours"`
		UsageLimitPercent   float64 `yaml:"usage_limit_percent"`
		RetryAttempts       int     `yaml:"retry_attempts"`
		RetryBackoffMS      int     `yaml:"retry_backoff_ms"`
		ContextLimit        int     `yaml:"context_limit"`
	} `yaml:"orchestrator"`
	Executor struct {
		Command    []string              `yaml:"command"`
		WorkingDir string                `yaml:"working_dir"`
		Models     domain.ExecutorConfig `yaml:"models"`
	} `yaml:"executor"`
	Decomposer struct {
		Command []string `yaml:"command"`
	} `yaml:"decomposer"`
	Usage struct {
		Command []string `yaml:"command"`
	} `yaml:"usage"`
	Learning struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"learning"`
}

// LoopInterval returns the cycle interval as a duration.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.Orchestrator.LoopIntervalSeconds) * time.Second
}

// Retention returns the short-term memory retention as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Orchestrator.RetentionHours) * time.Hour
}

// RetryBackoff returns the base backoff between cycle retries.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Orchestrator.RetryBackoffMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Orchestrator.LoopIntervalSeconds <= 0 {
		return fmt.Errorf("config.orchestrator.loop_interval_seconds must be positive")
	}
	if c.Orchestrator.RetentionHours <= 0 {
		return fmt.Errorf("config.orchestrator.retention_hours must be positive")
	}
	if c.Orchestrator.UsageLimitPercent <= 0 || c.Orchestrator.UsageLimitPercent > 100 {
		return fmt.Errorf("config.orchestrator.usage_limit_percent must be in (0,100]")
	}
	if c.Orchestrator.RetryAttempts < 1 {
		return fmt.Errorf("config.orchestrator.retry_attempts must be at least 1")
	}
	if c.Orchestrator.RetryBackoffMS < 0 {
		return fmt.Errorf("config.orchestrator.retry_backoff_ms must not be negative")
	}
	if c.Orchestrator.ContextLimit <= 0 {
		return fmt.Errorf("config.orchestrator.context_limit must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "goalline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Absent fields
// keep their defaults.
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Orchestrator.LoopIntervalSeconds = 30
	cfg.Orchestrator.RetentionHours = 24
	cfg.Orchestrator.UsageLimitPercent = 80
	cfg.Orchestrator.RetryAttempts = 3
	cfg.Orchestrator.RetryBackoffMS = 500
	cfg.Orchestrator.ContextLimit = 20
	cfg.Executor.WorkingDir = "."
	return &cfg
}
