package store

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Catalog reads the provider/model catalog tables. The factory consumes
// it at load time; admin tooling writes it through the seed helpers.
type Catalog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// GetProvider returns the catalog record for id, or nil when absent.
func (c *Catalog) GetProvider(ctx context.Context, id string) (*ProviderRecord, error) {
	var rec ProviderRecord
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListEnabled returns enabled providers ordered by priority (highest
// first), ties broken by name ascending.
func (c *Catalog) ListEnabled(ctx context.Context) ([]ProviderRecord, error) {
	var recs []ProviderRecord
	err := c.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority DESC, name ASC").
		Find(&recs).Error
	return recs, err
}

// ConfigBag returns the provider's config rows as a map. Values that
// parse as JSON are decoded (numbers, booleans, objects); everything
// else stays a string.
func (c *Catalog) ConfigBag(ctx context.Context, providerID string) (map[string]any, error) {
	var rows []ProviderConfig
	err := c.db.WithContext(ctx).Where("provider_id = ?", providerID).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	bag := make(map[string]any, len(rows))
	for _, row := range rows {
		var decoded any
		if json.Unmarshal([]byte(row.Value), &decoded) == nil {
			bag[row.Key] = decoded
		} else {
			bag[row.Key] = row.Value
		}
	}
	return bag, nil
}

// Models returns the models bound to providerID plus the id of the
// binding marked default, empty when no default is set.
func (c *Catalog) Models(ctx context.Context, providerID string) ([]CatalogModel, string, error) {
	var bindings []ProviderModel
	err := c.db.WithContext(ctx).Where("provider_id = ?", providerID).Find(&bindings).Error
	if err != nil {
		return nil, "", err
	}
	if len(bindings) == 0 {
		return nil, "", nil
	}
	ids := make([]string, 0, len(bindings))
	defaultID := ""
	for _, b := range bindings {
		ids = append(ids, b.ModelID)
		if b.IsDefault {
			defaultID = b.ModelID
		}
	}
	var models []CatalogModel
	err = c.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&models).Error
	if err != nil {
		return nil, "", err
	}
	return models, defaultID, nil
}

// CreateProvider upserts a catalog provider record.
func (c *Catalog) CreateProvider(ctx context.Context, rec *ProviderRecord) error {
	err := c.db.WithContext(ctx).Save(rec).Error
	if err == nil {
		c.logger.Info("catalog provider saved",
			zap.String("id", rec.ID), zap.String("type", rec.Type))
	}
	return err
}

// SetConfig upserts one provider config row.
func (c *Catalog) SetConfig(ctx context.Context, providerID, key, value string, sensitive bool) error {
	row := ProviderConfig{
		ProviderID:  providerID,
		Key:         key,
		Value:       value,
		IsSensitive: sensitive,
	}
	return c.db.WithContext(ctx).Save(&row).Error
}

// BindModel registers a model and binds it to a provider. Marking a
// binding default clears the previous default for that provider.
func (c *Catalog) BindModel(ctx context.Context, providerID string, model *CatalogModel, isDefault bool) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(model).Error; err != nil {
			return err
		}
		if isDefault {
			if err := tx.Model(&ProviderModel{}).
				Where("provider_id = ?", providerID).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		binding := ProviderModel{
			ProviderID: providerID,
			ModelID:    model.ID,
			IsDefault:  isDefault,
		}
		return tx.Save(&binding).Error
	})
}
