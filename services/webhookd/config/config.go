// Package config loads webhookd's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"swapmesh/services/webhookd/dispatcher"
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

// Config captures runtime configuration for webhookd.
type Config struct {
	RuntimeBaseURL string                    `yaml:"runtime_base_url"`
	ConsumerID     string                    `yaml:"consumer_id"`
	ActorID        string                    `yaml:"actor_id"`
	AuthScopes     string                    `yaml:"auth_scopes"`
	PollInterval   Duration                  `yaml:"poll_interval"`
	BatchLimit     int                       `yaml:"batch_limit"`
	Environment    string                    `yaml:"environment"`
	Subscriptions  []dispatcher.Subscription `yaml:"subscriptions"`
	Logging        LoggingConfig             `yaml:"logging"`
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
	if cfg.RuntimeBaseURL == "" {
		return nil, fmt.Errorf("config: runtime_base_url is required")
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "webhookd"
	}
	if cfg.ActorID == "" {
		cfg.ActorID = "webhookd"
	}
	if cfg.AuthScopes == "" {
		cfg.AuthScopes = "events:read"
	}
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if len(cfg.Subscriptions) == 0 {
		return nil, fmt.Errorf("config: at least one subscription is required")
	}
	for i, sub := range cfg.Subscriptions {
		if sub.SubscriptionID == "" {
			return nil, fmt.Errorf("config: subscription %d is missing subscription_id", i)
		}
		if sub.URL == "" {
			return nil, fmt.Errorf("config: subscription %s is missing url", sub.SubscriptionID)
		}
	}
	return cfg, nil
}
