// Package config loads the process configuration of the imposter daemon
// from an optional YAML file. Command line flags override file values.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/comfortablynumb/pmp-imposter/internal/repository/filesystem"
)

// LockConfig bounds file lock acquisition in the data directory
type LockConfig struct {
	Retries    int           `koanf:"retries" validate:"gt=0"`
	MinTimeout time.Duration `koanf:"minTimeout" validate:"gt=0"`
	MaxTimeout time.Duration `koanf:"maxTimeout" validate:"gtefield=MinTimeout"`
	Factor     float64       `koanf:"factor" validate:"gte=1"`
}

// ProxyConfig configures the client used by proxy responses
type ProxyConfig struct {
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
	PreserveHost bool          `koanf:"preserveHost"`
}

// Config is the daemon configuration
type Config struct {
	// DataDir keeps imposters on disk. Empty keeps them in memory.
	DataDir          string        `koanf:"datadir"`
	ConfigFile       string        `koanf:"configfile"`
	NoParse          bool          `koanf:"noParse"`
	Watch            bool          `koanf:"watch"`
	AllowInjection   bool          `koanf:"allowInjection"`
	InjectionTimeout time.Duration `koanf:"injectionTimeout" validate:"gt=0"`
	MetricsPort      int           `koanf:"metricsPort" validate:"gte=0,lte=65535"`
	LogLevel         string        `koanf:"logLevel" validate:"oneof=debug info warn error"`
	Development      bool          `koanf:"development"`
	OTLPEndpoint     string        `koanf:"otlpEndpoint"`
	Proxy            ProxyConfig   `koanf:"proxy"`
	Lock             LockConfig    `koanf:"lock"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	lock := filesystem.DefaultLockOptions()
	return &Config{
		InjectionTimeout: 5 * time.Second,
		MetricsPort:      9090,
		LogLevel:         "info",
		Proxy: ProxyConfig{
			Timeout: 30 * time.Second,
		},
		Lock: LockConfig{
			Retries:    lock.Retries,
			MinTimeout: lock.MinTimeout,
			MaxTimeout: lock.MaxTimeout,
			Factor:     lock.Factor,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Validate checks every field of the configuration
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// LockOptions converts the lock settings for the filesystem repository
func (c *Config) LockOptions() filesystem.LockOptions {
	return filesystem.LockOptions{
		Retries:    c.Lock.Retries,
		MinTimeout: c.Lock.MinTimeout,
		MaxTimeout: c.Lock.MaxTimeout,
		Factor:     c.Lock.Factor,
	}
}
