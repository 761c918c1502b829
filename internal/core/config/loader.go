package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	var cfg AppConfig
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = 4
	}
	if cfg.Jobs.StaleAfter == 0 {
		cfg.Jobs.StaleAfter = time.Hour
	}

	mergeDependency(&cfg.Dependencies.Market, defaultDependency(DepMarket))
	mergeDependency(&cfg.Dependencies.Search, defaultDependency(DepSearch))
	mergeDependency(&cfg.Dependencies.LLM, defaultDependency(DepLLM))
}

// mergeDependency fills every unset field of d from def.
func mergeDependency(d *DependencyConfig, def DependencyConfig) {
	if d.Timeout == 0 {
		d.Timeout = def.Timeout
	}
	if d.Breaker.FailureThreshold == 0 {
		d.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if d.Breaker.SuccessThreshold == 0 {
		d.Breaker.SuccessThreshold = def.Breaker.SuccessThreshold
	}
	if d.Breaker.OpenTimeout == 0 {
		d.Breaker.OpenTimeout = def.Breaker.OpenTimeout
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if d.Retry.BaseDelay == 0 {
		d.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if d.Retry.MaxDelay == 0 {
		d.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if d.CacheTTL == 0 {
		d.CacheTTL = def.CacheTTL
	}
}
