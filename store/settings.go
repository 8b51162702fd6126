package store

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Setting keys referenced by the gateway. Database values override
// environment values at startup.
const (
	SettingServerPort     = "server.port"
	SettingServerHost     = "server.host"
	SettingRequestTimeout = "request.timeout"
	SettingLogLevel       = "logging.level"
	SettingLogRequests    = "logging.log_requests"
	SettingLogResponses   = "logging.log_responses"
	SettingActiveProvider = "active_provider"
)

// Settings reads and writes the settings table. Read-mostly; writes
// come only from admin operations.
type Settings struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Get returns the value for key and whether it exists.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	var row Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return row.Value, true, nil
}

// GetInt returns the integer value for key, or fallback.
func (s *Settings) GetInt(ctx context.Context, key string, fallback int) int {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GetBool returns the boolean value for key, or fallback.
func (s *Settings) GetBool(ctx context.Context, key string, fallback bool) bool {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Set upserts a setting.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	row := Setting{Key: key, Value: value}
	err := s.db.WithContext(ctx).Save(&row).Error
	if err == nil {
		s.logger.Info("setting updated", zap.String("key", key))
	}
	return err
}

// ActiveProvider returns the configured active provider id, empty when
// unset. Implements llm.SettingsSource.
func (s *Settings) ActiveProvider(ctx context.Context) string {
	v, _, err := s.Get(ctx, SettingActiveProvider)
	if err != nil {
		s.logger.Warn("failed to read active provider setting", zap.Error(err))
		return ""
	}
	return v
}
