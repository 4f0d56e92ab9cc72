package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION LOADER
// ============================================================================

// Loader builds a Config from layered sources.
type Loader struct {
	// basePath is the directory searched for base/<env>/local files.
	basePath string

	// file is an explicit configuration file applied after the directory files.
	file string

	environment Environment
	sources     []string
	fileLoaders map[string]FileLoader
}

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithFile applies an explicit configuration file on top of the directory files.
func WithFile(path string) LoaderOption {
	return func(l *Loader) { l.file = path }
}

// NewLoader creates a configuration loader rooted at basePath.
func NewLoader(basePath string, env Environment, opts ...LoaderOption) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	if env == "" {
		env = Development
	}

	loader := &Loader{
		basePath:    basePath,
		environment: env,
		fileLoaders: make(map[string]FileLoader),
	}

	loader.RegisterLoader(&YAMLLoader{})
	loader.RegisterLoader(&JSONLoader{})

	for _, opt := range opts {
		opt(loader)
	}
	return loader
}

// RegisterLoader registers a new file loader for a specific format.
func (l *Loader) RegisterLoader(loader FileLoader) {
	l.fileLoaders[loader.Extension()] = loader
}

// BasePath returns the directory the loader reads from.
func (l *Loader) BasePath() string {
	return l.basePath
}

// Load builds the configuration. Sources, lowest priority first:
//  1. defaults in code
//  2. base.{yaml,json}
//  3. <environment>.{yaml,json}
//  4. local.{yaml,json} (development only)
//  5. the explicit file given with WithFile
//  6. .env in basePath and the working directory
//  7. process environment variables
func (l *Loader) Load() (*Config, error) {
	l.sources = l.sources[:0]

	cfg := l.defaultConfig()
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load local config: %w", err)
		}
	}

	if l.file != "" {
		if err := l.loadPath(l.file, cfg); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", l.file, err)
		}
	}

	if err := l.loadDotEnv(); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}
	l.sources = append(l.sources, "environment")

	cfg.LoadedFrom = append([]string(nil), l.sources...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile loads <name>.<ext> from basePath for the first registered extension found.
func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, ext := range []string{"yaml", "yml", "json"} {
		path := filepath.Join(l.basePath, name+"."+ext)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		return l.loadPath(path, cfg)
	}
	return os.ErrNotExist
}

func (l *Loader) loadPath(path string, cfg *Config) error {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "yml" {
		ext = "yaml"
	}
	loader, ok := l.fileLoaders[ext]
	if !ok {
		return fmt.Errorf("unsupported config format %q", ext)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := loader.Load(file, cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	l.sources = append(l.sources, path)
	return nil
}

// loadDotEnv populates unset environment variables from .env files.
// Variables already present in the environment win.
func (l *Loader) loadDotEnv() error {
	for _, path := range []string{filepath.Join(l.basePath, ".env"), ".env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
	}
	return nil
}

// defaultConfig returns a configuration that runs without any files.
func (l *Loader) defaultConfig() *Config {
	return &Config{
		Environment: l.environment,
		ServiceName: "blueprint",
		Role:        "primary",
		Server: Server{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Redis: Redis{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "blueprint",
		},
		Broker: Broker{
			Provider: "redis",
		},
		Database: Database{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			TxMaxRetries:    3,
			TxRetryDelay:    50 * time.Millisecond,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			RecoveryTimeout:  10 * time.Second,
		},
		RateLimit: RateLimit{
			Enabled: true,
			Limit:   100,
			TTL:     time.Minute,
			Store:   "memory",
		},
		Queues: Queues{
			Names:              []string{"default"},
			DefaultWaitTimeout: 30 * time.Second,
			WorkerConcurrency:  4,
			DefaultAttempts:    1,
			Backoff:            time.Second,
			PollTimeout:        time.Second,
			Retention:          24 * time.Hour,
			CleanSchedule:      "@every 10m",
			StallTimeout:       10 * time.Minute,
		},
		Workers: Workers{
			AutoSpawn:           true,
			Min:                 1,
			Max:                 16,
			GracePeriod:         time.Second,
			RestartsPerMinute:   6,
			ParentCheckInterval: time.Second,
		},
		Shutdown: Shutdown{
			Timeout:      30 * time.Second,
			DrainTimeout: 10 * time.Second,
			MaxRetries:   3,
			RetryDelay:   500 * time.Millisecond,
		},
		Tracing: Tracing{
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 0.1,
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "blueprint",
			Path:      "/metrics",
		},
		Events: Events{
			EventBridge: EventBridge{
				BusName: "default",
				Source:  "blueprint.queue",
			},
		},
		CORS: CORS{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		},
	}
}

// ============================================================================
// FILE LOADERS
// ============================================================================

// YAMLLoader loads configuration from YAML files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	return yaml.NewDecoder(reader).Decode(target)
}

func (y *YAMLLoader) Extension() string {
	return "yaml"
}

// JSONLoader loads configuration from JSON files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func (j *JSONLoader) Extension() string {
	return "json"
}

// ============================================================================
// ENTRY POINTS
// ============================================================================

// EnvironmentFromEnv reads APP_ENV, defaulting to development.
func EnvironmentFromEnv() Environment {
	switch Environment(strings.ToLower(os.Getenv("APP_ENV"))) {
	case Production:
		return Production
	case Staging:
		return Staging
	default:
		return Development
	}
}

// Load loads configuration from dir for the environment named by APP_ENV.
func Load(dir string, opts ...LoaderOption) (*Config, error) {
	return NewLoader(dir, EnvironmentFromEnv(), opts...).Load()
}

// MustLoad loads configuration and panics on error.
// Use this only in main() or tests.
func MustLoad(dir string, opts ...LoaderOption) *Config {
	cfg, err := Load(dir, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
