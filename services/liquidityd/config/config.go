// Package config loads liquidityd's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"swapmesh/native/liquidity"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for liquidityd.
type Config struct {
	ListenAddress string                    `yaml:"listen"`
	DatabaseURL   string                    `yaml:"database_url"`
	Environment   string                    `yaml:"environment"`
	Policy        liquidity.ExecutionPolicy `yaml:"policy"`
	Recon         ReconConfig               `yaml:"recon"`
	Logging       LoggingConfig             `yaml:"logging"`
}

// ReconConfig tunes the reconciliation scheduler.
type ReconConfig struct {
	RuntimeBaseURL string   `yaml:"runtime_base_url"`
	ActorID        string   `yaml:"actor_id"`
	AuthScopes     string   `yaml:"auth_scopes"`
	OutputDir      string   `yaml:"output_dir"`
	Interval       Duration `yaml:"interval"`
	Enabled        bool     `yaml:"enabled"`
}

// LoggingConfig mirrors the runtime's rotation options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8650"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: database_url is required")
	}
	if cfg.Recon.Enabled {
		if cfg.Recon.RuntimeBaseURL == "" {
			return nil, fmt.Errorf("config: recon.runtime_base_url is required when recon is enabled")
		}
		if cfg.Recon.Interval.Duration <= 0 {
			cfg.Recon.Interval.Duration = time.Hour
		}
		if cfg.Recon.OutputDir == "" {
			cfg.Recon.OutputDir = "./recon-out"
		}
	}
	return cfg, nil
}
