package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultAPIVersion = "2015-03-31"
	DefaultRedisHost  = "localhost"
	DefaultRedisPort  = 6379
	DefaultMaxRetries = 2
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	return &cfg, nil
}

// LoadOptional is Load, except a missing file yields an empty configuration
// so the worker can run from flags alone.
func LoadOptional(path string) (*AppConfig, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &AppConfig{Server: ServerConfig{Port: 8080}}, nil
	}
	return cfg, err
}

// ApplyDefaults fills every unset setting and returns one warning per
// default that was applied.
func (cfg *AppConfig) ApplyDefaults() []string {
	var warnings []string

	if cfg.AWS.Region == "" {
		if region := os.Getenv("AWS_REGION"); region != "" {
			cfg.AWS.Region = region
			warnings = append(warnings, fmt.Sprintf("aws region not set, using AWS_REGION=%s", region))
		}
	}
	if cfg.AWS.APIVersion == "" {
		cfg.AWS.APIVersion = DefaultAPIVersion
		warnings = append(warnings, fmt.Sprintf("lambda api version not set, using %s", DefaultAPIVersion))
	}
	if cfg.Redis.URL == "" {
		if cfg.Redis.Host == "" {
			cfg.Redis.Host = DefaultRedisHost
			warnings = append(warnings, fmt.Sprintf("redis host not set, using %s", DefaultRedisHost))
		}
		if cfg.Redis.Port == 0 {
			cfg.Redis.Port = DefaultRedisPort
			warnings = append(warnings, fmt.Sprintf("redis port not set, using %d", DefaultRedisPort))
		}
	}
	if cfg.Worker.MaxRetries == nil {
		v := DefaultMaxRetries
		cfg.Worker.MaxRetries = &v
		warnings = append(warnings, fmt.Sprintf("max retries not set, using %d", DefaultMaxRetries))
	}
	if cfg.Worker.BaseDelay == 0 {
		cfg.Worker.BaseDelay = 200 * time.Millisecond
	}
	if cfg.Worker.DrainTimeout == 0 {
		cfg.Worker.DrainTimeout = 30 * time.Second
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "memory"
	}

	return warnings
}

// Validate checks the settings the worker cannot run without.
func (cfg *AppConfig) Validate() error {
	var errs []error
	if cfg.AWS.Region == "" {
		errs = append(errs, errors.New("aws region is required (set --region, aws.region or AWS_REGION)"))
	}
	if len(cfg.Worker.Queues) == 0 {
		errs = append(errs, errors.New("at least one queue is required"))
	}
	if cfg.Worker.MaxRetries != nil && *cfg.Worker.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	switch cfg.Journal.Driver {
	case "", "memory", "none":
	case "postgres":
		if cfg.Journal.URL == "" {
			errs = append(errs, errors.New("journal url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal driver %q", cfg.Journal.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
