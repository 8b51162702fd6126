package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout, "no write deadline so streams can run long")
	assert.Equal(t, 120*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qwengate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9001
  request_timeout: 45s
database:
  driver: postgres
  dsn: host=db user=gw dbname=gw
log:
  level: debug
active_provider: lmstudio
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "lmstudio", cfg.ActiveProvider)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset file keys keep defaults")
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/qwengate.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qwengate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o600))

	t.Setenv("QWENGATE_SERVER_PORT", "9100")
	t.Setenv("QWENGATE_SERVER_READ_TIMEOUT", "10s")
	t.Setenv("QWENGATE_SERVER_RATE_LIMIT_RPS", "5.5")
	t.Setenv("QWENGATE_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("QWENGATE_DATABASE_DRIVER", "mysql")
	t.Setenv("QWENGATE_ACTIVE_PROVIDER", "qwen")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "qwen", cfg.ActiveProvider)
}

func TestLoadCustomEnvPrefix(t *testing.T) {
	t.Setenv("GW_SERVER_PORT", "7777")
	cfg, err := NewLoader().WithEnvPrefix("GW").Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("QWENGATE_SERVER_PORT", "70000")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")

	t.Setenv("QWENGATE_SERVER_PORT", "8000")
	t.Setenv("QWENGATE_LOG_LEVEL", "verbose")
	_, err = NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestCustomValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		if c.Server.MetricsPort == c.Server.Port {
			return assert.AnError
		}
		return nil
	}).Load()
	require.NoError(t, err)
}
