package store

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RequestLogStore appends chat request/response history rows when the
// logging.log_requests / logging.log_responses settings enable them.
type RequestLogStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Append writes one history row. Failures are logged, not surfaced:
// history must never fail a chat request.
func (r *RequestLogStore) Append(ctx context.Context, log *RequestLog) {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		r.logger.Warn("failed to append request log", zap.Error(err))
	}
}

// Recent returns the most recent rows, newest first.
func (r *RequestLogStore) Recent(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []RequestLog
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Prune deletes rows older than the retention window and returns the
// count removed.
func (r *RequestLogStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&RequestLog{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
