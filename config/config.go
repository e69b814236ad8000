// Package config loads the runtime's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level node configuration.
type Config struct {
	ListenAddress        string               `toml:"ListenAddress"`
	DataDir              string               `toml:"DataDir"`
	Backend              string               `toml:"Backend"`
	KeystorePath         string               `toml:"KeystorePath"`
	Environment          string               `toml:"Environment"`
	AllowUnsignedConsent bool                 `toml:"AllowUnsignedConsent"`
	Canary               Canary               `toml:"Canary"`
	Exports              Exports              `toml:"Exports"`
	Gateway              Gateway              `toml:"Gateway"`
	RateLimits           map[string]RateLimit `toml:"RateLimits"`
	Logging              Logging              `toml:"Logging"`
	Otel                 Otel                 `toml:"Otel"`
	Sweeps               Sweeps               `toml:"Sweeps"`
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./swapmesh-data"
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = "json"
	}
	if strings.TrimSpace(c.KeystorePath) == "" {
		c.KeystorePath = filepath.Join(c.DataDir, "keystore.json")
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if c.Gateway.TimestampSkewSeconds <= 0 {
		c.Gateway.TimestampSkewSeconds = 60
	}
	if c.Gateway.NonceTTLSeconds <= 0 {
		c.Gateway.NonceTTLSeconds = 300
	}
	if c.Sweeps.AcceptPhaseSeconds <= 0 {
		c.Sweeps.AcceptPhaseSeconds = 15
	}
	if c.Sweeps.DepositWindowSeconds <= 0 {
		c.Sweeps.DepositWindowSeconds = 15
	}
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}

	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
