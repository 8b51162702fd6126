package store

import "time"

// Timestamps are epoch milliseconds throughout the schema, with one
// deliberate exception: qwen_credentials.expires_at is epoch SECONDS.
// External tooling reads these tables; column names must not change.

// Credential is the single-row qwen_credentials table. Set replaces the
// whole table, so at most one record is ever active.
type Credential struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Token     string `gorm:"column:token;not null" json:"token"`
	Cookies   string `gorm:"column:cookies;not null" json:"cookies"`
	ExpiresAt *int64 `gorm:"column:expires_at" json:"expires_at"` // seconds since epoch
	CreatedAt int64  `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

func (Credential) TableName() string { return "qwen_credentials" }

// IsValid reports whether the record can authenticate a request:
// token and cookies present and not past the expiry, if any.
func (c *Credential) IsValid() bool {
	if c == nil || c.Token == "" || c.Cookies == "" {
		return false
	}
	if c.ExpiresAt != nil && *c.ExpiresAt <= time.Now().Unix() {
		return false
	}
	return true
}

// ProviderRecord is one row of the provider catalog. Enabled carries no
// column default: gorm omits zero-value fields that have one, and a
// disabled record written that way would come back enabled.
type ProviderRecord struct {
	ID          string  `gorm:"primaryKey" json:"id"`
	Name        string  `gorm:"not null" json:"name"`
	Type        string  `gorm:"not null;index" json:"type"`
	Enabled     bool    `gorm:"not null;index" json:"enabled"`
	Priority    int     `gorm:"not null" json:"priority"`
	Description *string `json:"description"`
	CreatedAt   int64   `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt   int64   `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (ProviderRecord) TableName() string { return "providers" }

// ProviderConfig is one (key, value) config row of a provider. Values
// are stored as strings and JSON-decoded opportunistically on read.
type ProviderConfig struct {
	ProviderID  string `gorm:"primaryKey;column:provider_id" json:"provider_id"`
	Key         string `gorm:"primaryKey;column:key" json:"key"`
	Value       string `gorm:"column:value" json:"value"`
	IsSensitive bool   `gorm:"column:is_sensitive;not null;default:false" json:"is_sensitive"`
}

func (ProviderConfig) TableName() string { return "provider_configs" }

// CatalogModel is a model catalog entry. Capabilities is a JSON-encoded
// list of tags ("chat", "streaming", "tools", "vision").
type CatalogModel struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Capabilities string `gorm:"column:capabilities" json:"capabilities"`
	CreatedAt    int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (CatalogModel) TableName() string { return "models" }

// ProviderModel binds a catalog model to a provider; at most one
// binding per provider carries is_default.
type ProviderModel struct {
	ProviderID string `gorm:"primaryKey;column:provider_id" json:"provider_id"`
	ModelID    string `gorm:"primaryKey;column:model_id" json:"model_id"`
	IsDefault  bool   `gorm:"column:is_default;not null;default:false" json:"is_default"`
}

func (ProviderModel) TableName() string { return "provider_models" }

// Setting is one key/value row of the settings table. Database values
// override environment values at startup.
type Setting struct {
	Key       string `gorm:"primaryKey;column:key" json:"key"`
	Value     string `gorm:"column:value" json:"value"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (Setting) TableName() string { return "settings" }

// RequestLog is one request/response history row, written only when the
// logging.log_requests / logging.log_responses settings enable it.
type RequestLog struct {
	ID           uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	ProviderID   string  `gorm:"column:provider_id;index" json:"provider_id"`
	Model        string  `json:"model"`
	Method       string  `json:"method"`
	Path         string  `json:"path"`
	Status       int     `json:"status"`
	Stream       bool    `json:"stream"`
	RequestBody  *string `gorm:"column:request_body" json:"request_body"`
	ResponseBody *string `gorm:"column:response_body" json:"response_body"`
	DurationMS   int64   `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt    int64   `gorm:"autoCreateTime:milli;index" json:"created_at"`
}

func (RequestLog) TableName() string { return "request_logs" }
