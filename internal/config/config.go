package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Jobs      JobsConfig      `yaml:"jobs"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Overpass  OverpassConfig  `yaml:"overpass"`
	Audit     AuditConfig     `yaml:"audit"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// DatabaseConfig selects SQLite (default) or PostgreSQL
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds the fast cache tier connection. When disabled an
// in-process tier is used instead.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// CacheConfig holds the durable cache tier settings
type CacheConfig struct {
	Dir        string        `yaml:"dir"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// EventBusConfig holds event deduplication settings
type EventBusConfig struct {
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// JobsConfig holds worker pool and job retention settings
type JobsConfig struct {
	Concurrency          int           `yaml:"concurrency"`
	QueueSize            int           `yaml:"queue_size"`
	JobTimeout           time.Duration `yaml:"job_timeout"`
	Retention            time.Duration `yaml:"retention"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	HistoryBatchSize     int           `yaml:"history_batch_size"`
	HistoryFlushInterval time.Duration `yaml:"history_flush_interval"`
}

// RateLimitConfig holds the per-client HTTP admission limits
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Capacity        int           `yaml:"capacity"`
	Period          time.Duration `yaml:"period"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
}

// BreakerConfig holds circuit breaker thresholds for external calls
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RetryConfig holds the retry policy for external calls
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	DisableJitter bool          `yaml:"disable_jitter"`
}

// OverpassConfig holds the OSM upstream settings
type OverpassConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

// AuditConfig holds the ledger secret location
type AuditConfig struct {
	DataDir string `yaml:"data_dir"`
}

// WebhooksConfig holds static webhook listeners
type WebhooksConfig struct {
	URLs      []string      `yaml:"urls"`
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

// RabbitMQConfig holds the broker bridge connection
type RabbitMQConfig struct {
	Enabled          bool             `yaml:"enabled"`
	Host             string           `yaml:"host"`
	Port             int              `yaml:"port"`
	User             string           `yaml:"user"`
	Password         string           `yaml:"password"`
	VHost            string           `yaml:"vhost"`
	Exchange         ExchangeConfig   `yaml:"exchange"`
	RoutingKeyPrefix string           `yaml:"routing_key_prefix"`
	Connection       ConnectionConfig `yaml:"connection"`
	Publish          PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Output      string  `yaml:"output"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and fills in defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills every unset field with its default
func (c *Config) ApplyDefaults() {
	setDefault(&c.App.Name, "geoprep")
	setDefault(&c.App.Environment, "development")

	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.WriteTimeout, 30*time.Second)
	setDefault(&c.Server.IdleTimeout, 60*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "console")
	setDefault(&c.Logging.Output, "stdout")

	setDefault(&c.Database.Driver, "sqlite3")
	setDefault(&c.Database.Path, "data/geoprep.db")
	setDefault(&c.Database.Port, 5432)
	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.Database.MaxOpenConns, 10)
	setDefault(&c.Database.MaxIdleConns, 5)
	setDefault(&c.Database.ConnMaxLifetime, 30*time.Minute)

	setDefault(&c.Redis.Addr, "localhost:6379")
	setDefault(&c.Redis.KeyPrefix, "geoprep:")
	setDefault(&c.Redis.DialTimeout, 2*time.Second)

	setDefault(&c.Cache.Dir, "data/cache")
	setDefault(&c.Cache.DefaultTTL, time.Hour)

	setDefault(&c.EventBus.DedupTTL, 60*time.Second)

	setDefault(&c.Jobs.Concurrency, 4)
	setDefault(&c.Jobs.QueueSize, 100)
	setDefault(&c.Jobs.JobTimeout, 10*time.Minute)
	setDefault(&c.Jobs.Retention, time.Hour)
	setDefault(&c.Jobs.SweepInterval, 5*time.Minute)
	setDefault(&c.Jobs.HistoryBatchSize, 50)
	setDefault(&c.Jobs.HistoryFlushInterval, 5*time.Second)

	setDefault(&c.RateLimit.Capacity, 60)
	setDefault(&c.RateLimit.Period, time.Minute)
	setDefault(&c.RateLimit.CleanupInterval, 5*time.Minute)
	setDefault(&c.RateLimit.IdleTTL, 10*time.Minute)

	setDefault(&c.Breaker.FailureThreshold, 5)
	setDefault(&c.Breaker.RecoveryTimeout, 30*time.Second)

	setDefault(&c.Retry.MaxRetries, 3)
	setDefault(&c.Retry.InitialDelay, time.Second)
	setDefault(&c.Retry.BackoffFactor, 2.0)

	setDefault(&c.Overpass.Endpoint, "https://overpass-api.de/api/interpreter")
	setDefault(&c.Overpass.Timeout, 60*time.Second)
	setDefault(&c.Overpass.RequestsPerMinute, 10)
	setDefault(&c.Overpass.CacheTTL, 24*time.Hour)

	setDefault(&c.Audit.DataDir, "data")

	setDefault(&c.Webhooks.Timeout, 5*time.Second)
	setDefault(&c.Webhooks.Workers, 5)
	setDefault(&c.Webhooks.QueueSize, 256)

	setDefault(&c.RabbitMQ.Port, 5672)
	setDefault(&c.RabbitMQ.VHost, "/")
	setDefault(&c.RabbitMQ.Exchange.Name, "geoprep.events")
	setDefault(&c.RabbitMQ.Exchange.Type, "topic")
	setDefault(&c.RabbitMQ.RoutingKeyPrefix, "geoprep.")
	setDefault(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDefault(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDefault(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDefault(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDefault(&c.RabbitMQ.Publish.RetryInterval, 100*time.Millisecond)
	setDefault(&c.RabbitMQ.Publish.BackoffMultiplier, 2.0)

	setDefault(&c.Tracing.Exporter, "none")
	setDefault(&c.Tracing.SampleRatio, 1.0)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort))
	}

	switch c.Database.Driver {
	case "sqlite3", "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database path is required for sqlite"))
		}
	case "postgres":
		if c.Database.Host == "" {
			errs = append(errs, errors.New("database host is required"))
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			errs = append(errs, fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort))
		}
		if c.Database.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q (must be sqlite3 or postgres)", c.Database.Driver))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis addr is required when redis is enabled"))
	}

	if c.Jobs.Concurrency <= 0 {
		errs = append(errs, errors.New("jobs concurrency must be greater than 0"))
	}
	if c.Jobs.QueueSize <= 0 {
		errs = append(errs, errors.New("jobs queue_size must be greater than 0"))
	}
	if c.Jobs.JobTimeout <= 0 {
		errs = append(errs, errors.New("jobs job_timeout must be greater than 0"))
	}

	if c.RateLimit.Capacity <= 0 {
		errs = append(errs, errors.New("ratelimit capacity must be greater than 0"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker failure_threshold must be greater than 0"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry max_retries must not be negative"))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("retry backoff_factor must be at least 1"))
	}

	if u, err := url.Parse(c.Overpass.Endpoint); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid overpass endpoint %q", c.Overpass.Endpoint))
	}

	if c.Audit.DataDir == "" {
		errs = append(errs, errors.New("audit data_dir is required"))
	}

	for _, raw := range c.Webhooks.URLs {
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid webhook url %q", raw))
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			errs = append(errs, errors.New("rabbitmq host is required"))
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			errs = append(errs, fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort))
		}
		if c.RabbitMQ.Exchange.Name == "" {
			errs = append(errs, errors.New("rabbitmq exchange name is required"))
		}
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("unsupported tracing exporter %q (must be none or stdout)", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing sample_ratio must be between 0 and 1"))
	}

	return errors.Join(errs...)
}
