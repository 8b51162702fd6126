// Package store is the durable keyed-relational layer behind the
// gateway: provider catalog, model bindings, Qwen credentials, settings
// and request history. GORM over SQLite by default; PostgreSQL and
// MySQL are selectable for shared deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config selects the database driver and pool sizing.
type Config struct {
	Driver          string        `yaml:"driver" json:"driver" env:"DRIVER"` // sqlite, postgres, mysql
	DSN             string        `yaml:"dsn" json:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DefaultConfig returns a local SQLite setup.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		DSN:             "qwengate.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// Store wraps the gorm handle and hands out the table-scoped accessors.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
}

// Open connects, configures the pool and migrates the schema.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(zap.String("component", "store")),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	s.logger.Info("store opened",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&Credential{},
		&ProviderRecord{},
		&ProviderConfig{},
		&CatalogModel{},
		&ProviderModel{},
		&Setting{},
		&RequestLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// DB exposes the raw gorm handle for callers that need it.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Stats returns the connection pool counters.
func (s *Store) Stats() sql.DBStats {
	return s.sqlDB.Stats()
}

// WithTransaction runs fn inside a transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.logger.Info("closing store")
	return s.sqlDB.Close()
}

// Credentials returns the credential accessor.
func (s *Store) Credentials() *CredentialStore {
	return &CredentialStore{db: s.db, logger: s.logger}
}

// Settings returns the settings accessor.
func (s *Store) Settings() *Settings {
	return &Settings{db: s.db, logger: s.logger}
}

// Catalog returns the provider/model catalog accessor.
func (s *Store) Catalog() *Catalog {
	return &Catalog{db: s.db, logger: s.logger}
}

// RequestLogs returns the request history accessor.
func (s *Store) RequestLogs() *RequestLogStore {
	return &RequestLogStore{db: s.db, logger: s.logger}
}
