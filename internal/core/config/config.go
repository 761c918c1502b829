package config

import (
	"time"

	"github.com/vietddude/marketpulse/internal/depclient"
	redisclient "github.com/vietddude/marketpulse/internal/infra/redis"
	"github.com/vietddude/marketpulse/internal/infra/provider"
	"github.com/vietddude/marketpulse/internal/infra/storage/postgres"
	"github.com/vietddude/marketpulse/internal/jobs"
	"github.com/vietddude/marketpulse/internal/resilience/breaker"
	"github.com/vietddude/marketpulse/internal/resilience/retry"
)

// Dependency names, also used as breaker and gRPC health service names.
const (
	DepMarket = "market"
	DepSearch = "search"
	DepLLM    = "llm"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Logging      LoggingConfig      `yaml:"logging"`
	Redis        redisclient.Config `yaml:"redis"`
	Database     postgres.Config    `yaml:"database"`
	Jobs         jobs.Config        `yaml:"jobs"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GRPCConfig holds the gRPC health server settings. Port 0 disables it.
type GRPCConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DependenciesConfig groups the outbound dependencies.
type DependenciesConfig struct {
	Market DependencyConfig `yaml:"market"`
	Search DependencyConfig `yaml:"search"`
	LLM    DependencyConfig `yaml:"llm"`
}

// DependencyConfig holds connection and resilience settings for one
// dependency.
type DependencyConfig struct {
	provider.Config `yaml:",inline"`

	Breaker   breaker.Config `yaml:"breaker"`
	Retry     retry.Policy   `yaml:"retry"`
	CacheTTL  time.Duration  `yaml:"cache_ttl"`
	RateLimit float64        `yaml:"rate_limit"` // calls per second, 0 = unlimited
	Burst     int            `yaml:"burst"`
}

// Client returns the dependency client settings.
func (d DependencyConfig) Client() depclient.Config {
	return depclient.Config{
		Retry:     d.Retry,
		Timeout:   d.Timeout,
		RateLimit: d.RateLimit,
		Burst:     d.Burst,
	}
}

// defaultDependency returns the built-in settings for a dependency.
func defaultDependency(name string) DependencyConfig {
	d := DependencyConfig{
		Breaker: breaker.Config{SuccessThreshold: 2},
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
		},
	}
	d.Timeout = 30 * time.Second

	switch name {
	case DepMarket:
		d.Breaker.FailureThreshold = 5
		d.Breaker.OpenTimeout = 30 * time.Second
		d.CacheTTL = 30 * time.Second
		d.Timeout = 15 * time.Second
	case DepSearch:
		d.Breaker.FailureThreshold = 5
		d.Breaker.OpenTimeout = 60 * time.Second
		d.CacheTTL = 300 * time.Second
	case DepLLM:
		d.Breaker.FailureThreshold = 3
		d.Breaker.OpenTimeout = 120 * time.Second
		d.CacheTTL = 600 * time.Second
		d.Timeout = 60 * time.Second
	}
	return d
}
