package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the runtime cannot safely start with.
func Validate(cfg *Config) error {
	switch cfg.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("config: Backend must be json or sqlite, got %q", cfg.Backend)
	}
	if cfg.Canary.Enabled && cfg.Canary.MinSamples <= 0 {
		return fmt.Errorf("config: Canary.MinSamples must be positive when the canary is enabled")
	}
	for stream, ttl := range cfg.Exports.CheckpointTTLSeconds {
		if ttl <= 0 {
			return fmt.Errorf("config: Exports.CheckpointTTLSeconds[%s] must be positive", stream)
		}
	}
	seen := map[string]bool{}
	for _, partner := range cfg.Gateway.Partners {
		id := strings.TrimSpace(partner.PartnerID)
		if id == "" {
			return fmt.Errorf("config: Gateway.Partners entries require a PartnerID")
		}
		if partner.Secret == "" {
			return fmt.Errorf("config: Gateway partner %s has no Secret", id)
		}
		if seen[id] {
			return fmt.Errorf("config: Gateway partner %s is declared twice", id)
		}
		seen[id] = true
	}
	for group, rl := range cfg.RateLimits {
		if rl.RatePerSecond <= 0 || rl.Burst <= 0 {
			return fmt.Errorf("config: RateLimits[%s] requires positive RatePerSecond and Burst", group)
		}
	}
	return nil
}
