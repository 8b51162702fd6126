package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DesktopUserAgent is sent on every upstream Qwen call. The upstream
// fingerprints clients; keep this in sync with the login flow.
const DesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ErrNoCredentials signals that no usable credential record exists.
// Callers surface it as a credentials_missing condition; it is never a
// storage failure.
var ErrNoCredentials = errors.New("qwen credentials not found or expired")

// CredentialStore reads and writes the single-row qwen_credentials
// table. There is deliberately no in-memory cache: readers pay the
// storage read so that a credential write is visible immediately.
type CredentialStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Get returns the most recent non-expired record, or nil when none
// exists. A missing table reads as absent, not as an error.
func (c *CredentialStore) Get(ctx context.Context) (*Credential, error) {
	var cred Credential
	err := c.db.WithContext(ctx).Order("updated_at DESC").First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || isMissingTable(err) {
			return nil, nil
		}
		return nil, err
	}
	if cred.ExpiresAt != nil && *cred.ExpiresAt <= time.Now().Unix() {
		return nil, nil
	}
	return &cred, nil
}

// Set atomically replaces the table's contents with one record.
// expiresAt is in epoch seconds, matching the persisted schema.
func (c *CredentialStore) Set(ctx context.Context, token, cookies string, expiresAt *int64) (uint, error) {
	cred := Credential{Token: token, Cookies: cookies, ExpiresAt: expiresAt}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Credential{}).Error; err != nil {
			return err
		}
		return tx.Create(&cred).Error
	})
	if err != nil {
		return 0, err
	}
	c.logger.Info("qwen credentials updated", zap.Uint("id", cred.ID))
	return cred.ID, nil
}

// Delete removes all credential records and returns the count.
func (c *CredentialStore) Delete(ctx context.Context) (int64, error) {
	res := c.db.WithContext(ctx).Where("1 = 1").Delete(&Credential{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		c.logger.Info("qwen credentials deleted", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Valid reports whether a usable credential record exists right now.
func (c *CredentialStore) Valid(ctx context.Context) bool {
	cred, err := c.Get(ctx)
	return err == nil && cred.IsValid()
}

// Headers returns the upstream authentication headers. The map keys are
// wire-significant, including the lowercase "bx-umidtoken"; callers
// must set them verbatim rather than through canonicalizing setters.
func (c *CredentialStore) Headers(ctx context.Context) (map[string]string, error) {
	cred, err := c.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cred.IsValid() {
		return nil, ErrNoCredentials
	}
	return map[string]string{
		"bx-umidtoken": cred.Token,
		"Cookie":       cred.Cookies,
		"Content-Type": "application/json",
		"User-Agent":   DesktopUserAgent,
	}, nil
}

func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "doesn't exist")
}
