package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	"github.com/cassiomorais/memorytx/internal/outbox"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MEMORYTX_DATABASE_PATH.
const EnvPrefix = "MEMORYTX"

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
	Bus           BusConfig           `mapstructure:"bus"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`

	// AdminJWTSecret enables bearer-token auth on /admin when set.
	AdminJWTSecret     string `mapstructure:"admin_jwt_secret"`
	// RateLimitPerMinute caps /admin requests per client IP; 0 disables it.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Driver            string        `mapstructure:"driver"`
	Path              string        `mapstructure:"path"`
	DSN               string        `mapstructure:"dsn"`
	UseConnectionPool bool          `mapstructure:"use_connection_pool"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout       time.Duration `mapstructure:"busy_timeout"`
	ConnectRetries    uint          `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// RedisConfig is optional: an empty host disables the Redis bus and lock.
type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    uint          `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type WorkerConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	BatchSize              int           `mapstructure:"batch_size"`
	MaxRetryAttempts       int           `mapstructure:"max_retry_attempts"`
	InitialRetryDelay      time.Duration `mapstructure:"initial_retry_delay"`
	MaxRetryDelay          time.Duration `mapstructure:"max_retry_delay"`
	RetryBackoffMultiplier float64       `mapstructure:"retry_backoff_multiplier"`
	PoisonMessageThreshold int           `mapstructure:"poison_message_threshold"`
	WorkerTimeout          time.Duration `mapstructure:"worker_timeout"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	StartupGracePeriod     time.Duration `mapstructure:"startup_grace_period"`
	TopicStreamPrefix      string        `mapstructure:"topic_stream_prefix"`
}

// IdempotencyConfig holds the key TTL. Expired keys are purged by the
// maintenance janitor.
type IdempotencyConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

type MaintenanceConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	ProcessedRetention time.Duration `mapstructure:"processed_retention"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

type BusConfig struct {
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
	MaxStreamLen            int64         `mapstructure:"max_stream_len"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

// Load reads defaults, an optional config.yaml and MEMORYTX_* environment
// overrides, then validates the result.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom is Load against a caller-prepared viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/memorytx")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit_per_minute must not be negative"))
	}

	switch c.Database.Dialect() {
	case database.DialectPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for postgres"))
		}
	default:
		if c.Database.Path == "" {
			errs = append(errs, fmt.Errorf("database.path is required for sqlite"))
		}
	}
	if c.Database.BusyTimeout < 0 {
		errs = append(errs, fmt.Errorf("database.busy_timeout must not be negative"))
	}

	if c.Redis.Enabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("redis.port must be between 1 and 65535, got %d", c.Redis.Port))
	}

	if err := c.Worker.OutboxConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}

	if c.Idempotency.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("idempotency.default_ttl must be positive"))
	}
	if c.Maintenance.Interval <= 0 {
		errs = append(errs, fmt.Errorf("maintenance.interval must be positive"))
	}
	if c.Maintenance.ProcessedRetention <= 0 {
		errs = append(errs, fmt.Errorf("maintenance.processed_retention must be positive"))
	}
	if c.Maintenance.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("maintenance.lock_ttl must be positive"))
	}

	if c.Bus.CircuitBreakerThreshold <= 0 {
		errs = append(errs, fmt.Errorf("bus.circuit_breaker_threshold must be positive"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)
	v.SetDefault("server.admin_jwt_secret", "")
	v.SetDefault("server.rate_limit_per_minute", 120)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/memory.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.use_connection_pool", true)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.busy_timeout", "5s")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Worker defaults
	def := outbox.DefaultWorkerConfig()
	v.SetDefault("worker.poll_interval", def.PollInterval)
	v.SetDefault("worker.batch_size", def.BatchSize)
	v.SetDefault("worker.max_retry_attempts", def.MaxRetryAttempts)
	v.SetDefault("worker.initial_retry_delay", def.InitialRetryDelay)
	v.SetDefault("worker.max_retry_delay", def.MaxRetryDelay)
	v.SetDefault("worker.retry_backoff_multiplier", def.RetryBackoffMultiplier)
	v.SetDefault("worker.poison_message_threshold", def.PoisonMessageThreshold)
	v.SetDefault("worker.worker_timeout", def.WorkerTimeout)
	v.SetDefault("worker.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("worker.startup_grace_period", def.StartupGracePeriod)
	v.SetDefault("worker.topic_stream_prefix", "memorytx:")

	// Idempotency defaults
	v.SetDefault("idempotency.default_ttl", "24h")

	// Maintenance defaults
	v.SetDefault("maintenance.interval", "10m")
	v.SetDefault("maintenance.processed_retention", "168h")
	v.SetDefault("maintenance.lock_ttl", "5m")

	// Bus defaults
	v.SetDefault("bus.circuit_breaker_threshold", 5)
	v.SetDefault("bus.circuit_breaker_timeout", "30s")
	v.SetDefault("bus.max_stream_len", 100000)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Instance ID
	v.SetDefault("instance_id", "memorytx-1")
}

func (c *DatabaseConfig) Dialect() database.Dialect {
	return c.Settings().Dialect()
}

// Settings converts to the database package's settings.
func (c *DatabaseConfig) Settings() database.Config {
	return database.Config{
		Driver:            c.Driver,
		Path:              c.Path,
		DSN:               c.DSN,
		UseConnectionPool: c.UseConnectionPool,
		MaxOpenConns:      c.MaxOpenConns,
		MaxIdleConns:      c.MaxIdleConns,
		ConnMaxLifetime:   c.ConnMaxLifetime,
		BusyTimeout:       c.BusyTimeout,
	}
}

func (c *RedisConfig) Enabled() bool { return c.Host != "" }

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OutboxConfig converts to the outbox worker's settings.
func (c *WorkerConfig) OutboxConfig() outbox.WorkerConfig {
	return outbox.WorkerConfig{
		PollInterval:           c.PollInterval,
		BatchSize:              c.BatchSize,
		MaxRetryAttempts:       c.MaxRetryAttempts,
		InitialRetryDelay:      c.InitialRetryDelay,
		MaxRetryDelay:          c.MaxRetryDelay,
		RetryBackoffMultiplier: c.RetryBackoffMultiplier,
		PoisonMessageThreshold: c.PoisonMessageThreshold,
		WorkerTimeout:          c.WorkerTimeout,
		ShutdownTimeout:        c.ShutdownTimeout,
		StartupGracePeriod:     c.StartupGracePeriod,
	}
}
