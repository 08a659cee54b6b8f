package main

import (
	"fmt"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/internal/envconfig"
)

// loadConfig loads path if given, otherwise falls back to an empty,
// defaulted Config — loomweave has no zero-config provider fallback the
// way hector does, so a command that actually talks to a provider still
// needs --provider/--api-key or a config file, but serve/validate against
// an empty path are useful for exercising storage/http wiring alone.
//
// A .env file alongside the config, if any, is loaded first so
// internal/envconfig's ${VAR} expansion can see it.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		_ = envconfig.LoadDotenv(path + ".env")
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		return cfg, nil
	}

	_ = envconfig.LoadDotenv("")
	cfg := &config.Config{}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
