package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/blacklake-io/blacklake/internal/db"
)

// SettingRepository persists the generic key/value store used for
// operator-tunable runtime configuration that shouldn't require a restart.
type SettingRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}

// gormSettingRepository is the GORM-backed implementation of SettingRepository.
type gormSettingRepository struct {
	database *gorm.DB
}

// NewSettingRepository creates a new SettingRepository backed by GORM.
func NewSettingRepository(database *gorm.DB) SettingRepository {
	return &gormSettingRepository{database: database}
}

// Get retrieves a single setting by its exact key.
func (r *gormSettingRepository) Get(ctx context.Context, key string) (*db.Setting, error) {
	var s db.Setting
	err := r.database.WithContext(ctx).First(&s, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Set upserts a setting. On conflict (key already exists) the value and
// updated_at are overwritten, avoiding a read-before-write on every save.
func (r *gormSettingRepository) Set(ctx context.Context, key string, value db.EncryptedString) error {
	s := db.Setting{Key: key, Value: value}
	return r.database.WithContext(ctx).
		Save(&s).Error
}

// GetMany retrieves all settings whose key starts with prefix.
func (r *gormSettingRepository) GetMany(ctx context.Context, prefix string) ([]db.Setting, error) {
	var settings []db.Setting
	err := r.database.WithContext(ctx).
		Where("key LIKE ?", prefix+"%").
		Find(&settings).Error
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// Delete removes a setting by key. Silently succeeds if the key is absent.
func (r *gormSettingRepository) Delete(ctx context.Context, key string) error {
	return r.database.WithContext(ctx).
		Delete(&db.Setting{}, "key = ?", key).Error
}
