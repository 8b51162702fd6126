// Package config resolves the gateway's startup configuration.
// Precedence: defaults → YAML file → environment variables → the
// durable settings table.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/qwengate/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig `yaml:"server" env:"SERVER"`
	Database store.Config `yaml:"database" env:"DATABASE"`
	Log      LogConfig    `yaml:"log" env:"LOG"`

	// ActiveProvider names the provider chat requests route to when the
	// request does not name one. Empty falls back to the first
	// registered provider.
	ActiveProvider string `yaml:"active_provider" env:"ACTIVE_PROVIDER"`
}

// ServerConfig shapes the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// RequestTimeout bounds a whole non-streaming request. Streaming
	// responses are exempt once the first byte is written.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`

	RateLimitRPS   float64  `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// LogConfig shapes the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, console
}

// Default returns the gateway defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streams must outlive any write deadline
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  120 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
			CORSOrigins:     []string{"*"},
		},
		Database: store.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Addr returns the host:port the HTTP server binds.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks resolved values.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "invalid log level "+c.Log.Level)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ApplySettings overlays the durable settings table on the resolved
// config. Database values win over env and file values.
func (c *Config) ApplySettings(ctx context.Context, settings *store.Settings) {
	if settings == nil {
		return
	}
	if v, ok, _ := settings.Get(ctx, store.SettingServerHost); ok && v != "" {
		c.Server.Host = v
	}
	if port := settings.GetInt(ctx, store.SettingServerPort, 0); port > 0 {
		c.Server.Port = port
	}
	if t := settings.GetInt(ctx, store.SettingRequestTimeout, 0); t > 0 {
		c.Server.RequestTimeout = time.Duration(t) * time.Second
	}
	if v, ok, _ := settings.Get(ctx, store.SettingLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok, _ := settings.Get(ctx, store.SettingActiveProvider); ok && v != "" {
		c.ActiveProvider = v
	}
}

// NewLogger builds the process logger from the log config.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
