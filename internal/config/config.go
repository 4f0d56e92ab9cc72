// Package config holds the runtime configuration and the layered loader that
// builds it from defaults, files, .env and the process environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete runtime configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment" env:"APP_ENV" validate:"required,oneof=development staging production"`
	ServiceName string      `yaml:"serviceName" json:"serviceName" env:"SERVICE_NAME" validate:"required"`
	Role        string      `yaml:"role" json:"role" env:"APP_ROLE" validate:"required,oneof=primary worker"`

	Server         Server         `yaml:"server" json:"server"`
	Logging        Logging        `yaml:"logging" json:"logging"`
	Redis          Redis          `yaml:"redis" json:"redis"`
	Broker         Broker         `yaml:"broker" json:"broker"`
	Database       Database       `yaml:"database" json:"database"`
	CircuitBreaker CircuitBreaker `yaml:"circuitBreaker" json:"circuitBreaker"`
	RateLimit      RateLimit      `yaml:"rateLimit" json:"rateLimit"`
	Queues         Queues         `yaml:"queues" json:"queues"`
	Workers        Workers        `yaml:"workers" json:"workers"`
	Shutdown       Shutdown       `yaml:"shutdown" json:"shutdown"`
	Tracing        Tracing        `yaml:"tracing" json:"tracing"`
	Metrics        Metrics        `yaml:"metrics" json:"metrics"`
	Events         Events         `yaml:"events" json:"events"`
	CORS           CORS           `yaml:"cors" json:"cors"`

	// LoadedFrom records every source applied, in order.
	LoadedFrom []string `yaml:"-" json:"-"`
}

// Server configures the HTTP listener.
type Server struct {
	Host           string        `yaml:"host" json:"host" env:"SERVER_HOST"`
	Port           int           `yaml:"port" json:"port" env:"SERVER_PORT" validate:"min=1,max=65535"`
	ReadTimeout    time.Duration `yaml:"readTimeout" json:"readTimeout" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" json:"writeTimeout" validate:"gt=0"`
	IdleTimeout    time.Duration `yaml:"idleTimeout" json:"idleTimeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout" validate:"gt=0"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT" validate:"oneof=json console"`
}

// Redis is the shared connection used by the broker, rate limiter and notifier.
type Redis struct {
	Addr      string `yaml:"addr" json:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" json:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" json:"db" env:"REDIS_DB" validate:"min=0"`
	PoolSize  int    `yaml:"poolSize" json:"poolSize" env:"REDIS_POOL_SIZE" validate:"min=1"`
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix" env:"REDIS_KEY_PREFIX" validate:"required"`
}

// Broker selects the queue backend.
type Broker struct {
	Provider string `yaml:"provider" json:"provider" env:"BROKER_PROVIDER" validate:"oneof=redis memory"`
}

// Database configures the optional Postgres pool. An empty DSN disables it.
type Database struct {
	DSN             string        `yaml:"dsn" json:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"maxOpenConns" json:"maxOpenConns" validate:"min=1"`
	MaxIdleConns    int           `yaml:"maxIdleConns" json:"maxIdleConns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" json:"connMaxLifetime"`
	TxMaxRetries    int           `yaml:"txMaxRetries" json:"txMaxRetries" env:"DATABASE_TX_MAX_RETRIES" validate:"min=0"`
	TxRetryDelay    time.Duration `yaml:"txRetryDelay" json:"txRetryDelay" validate:"min=0"`
}

// Enabled reports whether a database is configured.
func (d Database) Enabled() bool {
	return d.DSN != ""
}

// CircuitBreaker holds breaker defaults and per-key overrides.
type CircuitBreaker struct {
	FailureThreshold int                        `yaml:"failureThreshold" json:"failureThreshold" env:"BREAKER_FAILURE_THRESHOLD" validate:"min=1"`
	RecoveryTimeout  time.Duration              `yaml:"recoveryTimeout" json:"recoveryTimeout" validate:"gt=0"`
	Overrides        map[string]BreakerOverride `yaml:"overrides" json:"overrides" validate:"dive"`
}

// BreakerOverride replaces the defaults for one key.
type BreakerOverride struct {
	FailureThreshold int           `yaml:"failureThreshold" json:"failureThreshold" validate:"min=1"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout" json:"recoveryTimeout" validate:"gt=0"`
}

// RateLimit configures the HTTP rate limiter.
type RateLimit struct {
	Enabled bool          `yaml:"enabled" json:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" json:"limit" env:"RATE_LIMIT_LIMIT" validate:"min=1"`
	TTL     time.Duration `yaml:"ttl" json:"ttl" validate:"gt=0"`
	Store   string        `yaml:"store" json:"store" env:"RATE_LIMIT_STORE" validate:"oneof=memory redis"`
}

// Queues configures the orchestrator.
type Queues struct {
	Names              []string      `yaml:"names" json:"names" validate:"dive,required"`
	DefaultWaitTimeout time.Duration `yaml:"defaultWaitTimeout" json:"defaultWaitTimeout" validate:"gt=0"`
	WorkerConcurrency  int           `yaml:"workerConcurrency" json:"workerConcurrency" env:"QUEUE_WORKER_CONCURRENCY" validate:"min=1"`
	DefaultAttempts    int           `yaml:"defaultAttempts" json:"defaultAttempts" validate:"min=1"`
	Backoff            time.Duration `yaml:"backoff" json:"backoff" validate:"min=0"`
	PollTimeout        time.Duration `yaml:"pollTimeout" json:"pollTimeout" validate:"gt=0"`
	Retention          time.Duration `yaml:"retention" json:"retention" validate:"gt=0"`
	CleanSchedule      string        `yaml:"cleanSchedule" json:"cleanSchedule" validate:"required"`
	// StallTimeout is how long a job may stay active before maintenance
	// hands it back to the queue.
	StallTimeout time.Duration `yaml:"stallTimeout" json:"stallTimeout" validate:"gt=0"`
}

// Workers configures the primary-side process supervisor.
type Workers struct {
	AutoSpawn   bool          `yaml:"autoSpawn" json:"autoSpawn" env:"WORKERS_AUTO_SPAWN"`
	Count       int           `yaml:"count" json:"count" env:"WORKERS_COUNT" validate:"min=0"`
	Min         int           `yaml:"min" json:"min" validate:"min=1"`
	Max         int           `yaml:"max" json:"max" validate:"gtefield=Min"`
	GracePeriod time.Duration `yaml:"gracePeriod" json:"gracePeriod" validate:"gt=0"`
	// RestartsPerMinute bounds respawns of crashed workers.
	RestartsPerMinute int `yaml:"restartsPerMinute" json:"restartsPerMinute" validate:"min=1"`
	// ParentPID is set by the primary on the workers it spawns. A worker
	// shuts down once its parent is no longer that process.
	ParentPID           int           `yaml:"-" json:"parentPid,omitempty" env:"PARENT_PID"`
	ParentCheckInterval time.Duration `yaml:"parentCheckInterval" json:"parentCheckInterval" validate:"gt=0"`
}

// Shutdown configures the shutdown coordinator.
type Shutdown struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	DrainTimeout time.Duration `yaml:"drainTimeout" json:"drainTimeout" validate:"gt=0"`
	MaxRetries   int           `yaml:"maxRetries" json:"maxRetries" validate:"min=1"`
	RetryDelay   time.Duration `yaml:"retryDelay" json:"retryDelay" validate:"min=0"`
}

// Tracing configures OpenTelemetry export.
type Tracing struct {
	Enabled    bool    `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure   bool    `yaml:"insecure" json:"insecure"`
	SampleRate float64 `yaml:"sampleRate" json:"sampleRate" validate:"min=0,max=1"`
}

// Metrics configures the Prometheus collector.
type Metrics struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" env:"METRICS_ENABLED"`
	Namespace string `yaml:"namespace" json:"namespace" validate:"required"`
	Path      string `yaml:"path" json:"path" validate:"startswith=/"`
}

// Events configures external failure notifications.
type Events struct {
	EventBridge EventBridge `yaml:"eventBridge" json:"eventBridge"`
}

// EventBridge publishes job failures to an AWS event bus.
type EventBridge struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"EVENTBRIDGE_ENABLED"`
	BusName string `yaml:"busName" json:"busName" env:"EVENTBRIDGE_BUS_NAME" validate:"required_if=Enabled true"`
	Source  string `yaml:"source" json:"source" validate:"required_if=Enabled true"`
	Region  string `yaml:"region" json:"region" env:"AWS_REGION"`
}

// CORS configures the HTTP CORS middleware.
type CORS struct {
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins"`
	AllowedMethods []string `yaml:"allowedMethods" json:"allowedMethods"`
	AllowedHeaders []string `yaml:"allowedHeaders" json:"allowedHeaders"`
	MaxAge         int      `yaml:"maxAge" json:"maxAge" validate:"min=0"`
}

var validate = validator.New()

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Broker.Provider == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: redis.addr is required for the redis broker")
	}
	if c.RateLimit.Store == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: redis.addr is required for the redis rate limit store")
	}
	return nil
}

// IsDevelopment reports whether the configuration targets development.
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction reports whether the configuration targets production.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}
