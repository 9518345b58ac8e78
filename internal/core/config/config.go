package config

import (
	"time"

	"github.com/vietddude/dispatcher/internal/infra/lambda"
	redisclient "github.com/vietddude/dispatcher/internal/infra/redis"
	"github.com/vietddude/dispatcher/internal/journal"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server  ServerConfig       `yaml:"server"`
	AWS     lambda.Config      `yaml:"aws"`
	Redis   redisclient.Config `yaml:"redis"`
	Worker  WorkerConfig       `yaml:"worker"`
	Logging LoggingConfig      `yaml:"logging"`
	Journal journal.Config     `yaml:"journal"`
}

// ServerConfig holds HTTP and gRPC server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WorkerConfig holds queue consumption and invocation settings.
type WorkerConfig struct {
	Queues []string `yaml:"queues"`
	// MaxRetries is the number of rate-limit retries per invocation. Nil
	// means unset so an explicit 0 can disable retries.
	MaxRetries   *int                       `yaml:"max_retries"`
	BaseDelay    time.Duration              `yaml:"base_delay"`
	DrainTimeout time.Duration              `yaml:"drain_timeout"`
	Consumer     redisclient.ConsumerConfig `yaml:"consumer"`
}

// Retries returns MaxRetries or 0 when unset.
func (w WorkerConfig) Retries() int {
	if w.MaxRetries == nil {
		return 0
	}
	return *w.MaxRetries
}

// Overrides are command line values that take precedence over the file.
// Zero values leave the file value untouched.
type Overrides struct {
	Region     string
	APIVersion string
	RedisHost  string
	RedisPort  int
	MaxRetries *int
	Queues     []string
}

// Apply copies every set override into cfg.
func (cfg *AppConfig) Apply(o Overrides) {
	if o.Region != "" {
		cfg.AWS.Region = o.Region
	}
	if o.APIVersion != "" {
		cfg.AWS.APIVersion = o.APIVersion
	}
	if o.RedisHost != "" {
		cfg.Redis.Host = o.RedisHost
		cfg.Redis.URL = ""
	}
	if o.RedisPort != 0 {
		cfg.Redis.Port = o.RedisPort
		cfg.Redis.URL = ""
	}
	if o.MaxRetries != nil {
		v := *o.MaxRetries
		cfg.Worker.MaxRetries = &v
	}
	if len(o.Queues) > 0 {
		cfg.Worker.Queues = o.Queues
	}
}
