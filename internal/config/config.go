package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// WebhookConfig is a named notification endpoint.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// NotifyConfig holds the notification channels post hooks can name.
type NotifyConfig struct {
	Webhooks map[string]WebhookConfig `mapstructure:"webhooks"`
}

// Config holds all runtime configuration for pulsar.
// Values are populated from .pulsar.yaml, PULSAR_* env vars, and CLI flags.
type Config struct {
	WorkDir            string         `mapstructure:"work_dir"`
	StateDir           string         `mapstructure:"state_dir"`
	PipelineFile       string         `mapstructure:"pipeline_file"`
	MaxAgents          int            `mapstructure:"max_agents"`
	Agents             map[string]int `mapstructure:"agents"` // label -> slots
	Shell              string         `mapstructure:"shell"`
	GracePeriod        time.Duration  `mapstructure:"grace_period"`
	HistoryDB          string         `mapstructure:"history_db"`
	TelemetryPath      string         `mapstructure:"telemetry_path"`
	ApprovalsDir       string         `mapstructure:"approvals_dir"`
	Listen             string         `mapstructure:"listen"`
	DefaultGateTimeout time.Duration  `mapstructure:"default_gate_timeout"`
	Verbose            bool           `mapstructure:"verbose"`
	Notify             NotifyConfig   `mapstructure:"notify"`
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags. Paths left empty
// are placed under the state directory.
func Load() (Config, error) {
	viper.SetDefault("work_dir", ".")
	viper.SetDefault("state_dir", ".pulsar")
	viper.SetDefault("pipeline_file", pipeline.DefaultFile)
	viper.SetDefault("max_agents", runtime.NumCPU())
	viper.SetDefault("shell", "sh")
	viper.SetDefault("grace_period", "10s")
	viper.SetDefault("history_db", "")
	viper.SetDefault("telemetry_path", "")
	viper.SetDefault("approvals_dir", "")
	viper.SetDefault("listen", "")
	viper.SetDefault("default_gate_timeout", "0s")
	viper.SetDefault("verbose", false)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(cfg.StateDir, "history.db")
	}
	if cfg.TelemetryPath == "" {
		cfg.TelemetryPath = filepath.Join(cfg.StateDir, "telemetry.jsonl")
	}
	if cfg.ApprovalsDir == "" {
		cfg.ApprovalsDir = filepath.Join(cfg.StateDir, "approvals")
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.MaxAgents < 1 {
		errs = append(errs, fmt.Errorf("max_agents must be at least 1, got %d", c.MaxAgents))
	}
	for label, n := range c.Agents {
		if n < 1 {
			errs = append(errs, fmt.Errorf("agents.%s must be at least 1, got %d", label, n))
		}
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace_period must not be negative"))
	}
	if c.DefaultGateTimeout < 0 {
		errs = append(errs, fmt.Errorf("default_gate_timeout must not be negative"))
	}
	for name, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("notify.webhooks.%s has no url", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
