package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime configuration for the vouchlend node.
type Config struct {
	ListenAddress    string   `toml:"ListenAddress"`
	DataDir          string   `toml:"DataDir"`
	Environment      string   `toml:"Environment"`
	LogFile          string   `toml:"LogFile"`
	LendingModule    string   `toml:"LendingModuleAddress"`
	ReputationModule string   `toml:"ReputationModuleAddress"`
	ReputationOwner  string   `toml:"ReputationOwnerAddress"`
	PlatformWallet   string   `toml:"PlatformWalletAddress"`
	PausedModules    []string `toml:"PausedModules"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		ListenAddress: ":8645",
		DataDir:       "./data",
		Environment:   "dev",
	}
}

// Load reads a TOML configuration file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.EnsureDefaults()
	return cfg, nil
}

// EnsureDefaults populates empty fields so downstream wiring is safe.
func (c *Config) EnsureDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
}
