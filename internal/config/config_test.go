package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"blueprint-backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// TestLoader_Defaults tests that the loader works without any files.
func TestLoader_Defaults(t *testing.T) {
	cfg, err := config.NewLoader(t.TempDir(), config.Development).Load()
	require.NoError(t, err)

	assert.Equal(t, config.Development, cfg.Environment)
	assert.Equal(t, "primary", cfg.Role)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Shutdown.MaxRetries)
	assert.Equal(t, time.Second, cfg.Workers.GracePeriod)
	assert.Zero(t, cfg.Workers.ParentPID)
	assert.Equal(t, 10*time.Minute, cfg.Queues.StallTimeout)
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, []string{"defaults", "environment"}, cfg.LoadedFrom)
}

// TestLoader_Layers tests the file hierarchy and environment overlay.
func TestLoader_Layers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
serviceName: orders
server:
  port: 9000
rateLimit:
  limit: 50
  ttl: 30s
circuitBreaker:
  overrides:
    redis:
      failureThreshold: 2
      recoveryTimeout: 1s
queues:
  names: [emails, reports]
`)
	writeFile(t, dir, "staging.json", `{"server": {"port": 9100}}`)
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("WORKERS_COUNT", "3")
	t.Setenv("PARENT_PID", "4242")

	cfg, err := config.NewLoader(dir, config.Staging).Load()
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.ServiceName)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9100", cfg.Server.Addr())
	assert.Equal(t, 50, cfg.RateLimit.Limit)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.TTL)
	assert.Equal(t, []string{"emails", "reports"}, cfg.Queues.Names)
	assert.Equal(t, 3, cfg.Workers.Count)
	assert.Equal(t, 4242, cfg.Workers.ParentPID)
	require.Contains(t, cfg.CircuitBreaker.Overrides, "redis")
	assert.Equal(t, 2, cfg.CircuitBreaker.Overrides["redis"].FailureThreshold)
	assert.Contains(t, cfg.LoadedFrom, filepath.Join(dir, "base.yaml"))
	assert.Contains(t, cfg.LoadedFrom, filepath.Join(dir, "staging.json"))
}

// TestLoader_ExplicitFile tests WithFile and .env loading.
func TestLoader_ExplicitFile(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(t.TempDir(), "blueprint.yml")
	require.NoError(t, os.WriteFile(explicit, []byte("role: worker\n"), 0o644))
	writeFile(t, dir, ".env", "QUEUE_WORKER_CONCURRENCY=7\n")
	t.Cleanup(func() { os.Unsetenv("QUEUE_WORKER_CONCURRENCY") })

	cfg, err := config.NewLoader(dir, config.Development, config.WithFile(explicit)).Load()
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Role)
	assert.Equal(t, 7, cfg.Queues.WorkerConcurrency)
}

// TestLoader_ParseError tests that malformed files are reported.
func TestLoader_ParseError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "server: [unterminated")

	_, err := config.NewLoader(dir, config.Development).Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "base config")
}

// TestConfigValidation tests configuration validation.
func TestConfigValidation(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.NewLoader(t.TempDir(), config.Development).Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*config.Config) {},
		},
		{
			name:    "unknown role",
			mutate:  func(c *config.Config) { c.Role = "leader" },
			wantErr: "Role",
		},
		{
			name:    "workers max below min",
			mutate:  func(c *config.Config) { c.Workers.Min = 4; c.Workers.Max = 2 },
			wantErr: "Max",
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *config.Config) { c.CircuitBreaker.FailureThreshold = 0 },
			wantErr: "FailureThreshold",
		},
		{
			name: "eventbridge without bus",
			mutate: func(c *config.Config) {
				c.Events.EventBridge.Enabled = true
				c.Events.EventBridge.BusName = ""
			},
			wantErr: "BusName",
		},
		{
			name: "redis broker without address",
			mutate: func(c *config.Config) {
				c.Broker.Provider = "redis"
				c.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{
			name: "memory broker without redis",
			mutate: func(c *config.Config) {
				c.Broker.Provider = "memory"
				c.RateLimit.Store = "memory"
				c.Redis.Addr = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestConfigWatcher_Reload tests hot reload in development.
func TestConfigWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "rateLimit:\n  limit: 10\n")

	loader := config.NewLoader(dir, config.Development)
	initial, err := loader.Load()
	require.NoError(t, err)

	watcher, err := config.NewConfigWatcher(loader, initial, zap.NewNop(), config.WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer watcher.Stop()

	changed := make(chan int, 16)
	watcher.OnChange(func(c *config.Config) {
		select {
		case changed <- c.RateLimit.Limit:
		default:
		}
	})

	writeFile(t, dir, "base.yaml", "rateLimit:\n  limit: 20\n")

	timeout := time.After(5 * time.Second)
	for {
		select {
		case limit := <-changed:
			if limit == 20 {
				assert.Equal(t, 20, watcher.GetConfig().RateLimit.Limit)
				return
			}
		case <-timeout:
			t.Fatal("configuration was not reloaded")
		}
	}
}

// TestConfigWatcher_InvalidReloadKeepsPrevious tests that a broken file is ignored.
func TestConfigWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "rateLimit:\n  limit: 10\n")

	loader := config.NewLoader(dir, config.Development)
	initial, err := loader.Load()
	require.NoError(t, err)

	watcher, err := config.NewConfigWatcher(loader, initial, zap.NewNop(), config.WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer watcher.Stop()

	writeFile(t, dir, "base.yaml", "rateLimit:\n  limit: 0\n")
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 10, watcher.GetConfig().RateLimit.Limit)
}

// TestConfigWatcher_DisabledOutsideDevelopment tests that production does not watch.
func TestConfigWatcher_DisabledOutsideDevelopment(t *testing.T) {
	loader := config.NewLoader(t.TempDir(), config.Production)
	initial, err := loader.Load()
	require.NoError(t, err)

	watcher, err := config.NewConfigWatcher(loader, initial, zap.NewNop())
	require.NoError(t, err)

	assert.Same(t, initial, watcher.GetConfig())
	watcher.Stop()
	watcher.Stop()
}
