package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuotaRepository tracks per-repo and per-user storage/file/commit usage
// against soft and hard limits (spec §4.3 quota sub-evaluator).
type QuotaRepository interface {
	Create(ctx context.Context, quota *db.Quota) error
	GetForRepo(ctx context.Context, repoID uuid.UUID) (*db.Quota, error)
	GetForUser(ctx context.Context, repoID, userID uuid.UUID) (*db.Quota, error)

	// LockForUpdate fetches a quota row with a row-level lock, for the
	// read-modify-write increment inside a commit transaction. tx must be
	// the commit's transaction handle.
	LockForUpdate(ctx context.Context, tx *gorm.DB, repoID uuid.UUID, userID *uuid.UUID) (*db.Quota, error)
	// ApplyUsage persists the updated counters and appends an audit row to
	// quota_usage_logs, inside tx.
	ApplyUsage(ctx context.Context, tx *gorm.DB, quota *db.Quota, log *db.QuotaUsageLog) error

	Update(ctx context.Context, quota *db.Quota) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type gormQuotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository returns a QuotaRepository backed by the provided *gorm.DB.
func NewQuotaRepository(db *gorm.DB) QuotaRepository {
	return &gormQuotaRepository{db: db}
}

func (r *gormQuotaRepository) Create(ctx context.Context, quota *db.Quota) error {
	if err := r.db.WithContext(ctx).Create(quota).Error; err != nil {
		return fmt.Errorf("quotas: create: %w", err)
	}
	return nil
}

func (r *gormQuotaRepository) GetForRepo(ctx context.Context, repoID uuid.UUID) (*db.Quota, error) {
	var quota db.Quota
	err := r.db.WithContext(ctx).First(&quota, "repo_id = ? AND user_id IS NULL", repoID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("quotas: get for repo: %w", err)
	}
	return &quota, nil
}

func (r *gormQuotaRepository) GetForUser(ctx context.Context, repoID, userID uuid.UUID) (*db.Quota, error) {
	var quota db.Quota
	err := r.db.WithContext(ctx).First(&quota, "repo_id = ? AND user_id = ?", repoID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("quotas: get for user: %w", err)
	}
	return &quota, nil
}

func (r *gormQuotaRepository) LockForUpdate(ctx context.Context, tx *gorm.DB, repoID uuid.UUID, userID *uuid.UUID) (*db.Quota, error) {
	var quota db.Quota
	query := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("repo_id = ?", repoID)
	if userID == nil {
		query = query.Where("user_id IS NULL")
	} else {
		query = query.Where("user_id = ?", *userID)
	}
	err := query.First(&quota).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("quotas: lock for update: %w", err)
	}
	return &quota, nil
}

func (r *gormQuotaRepository) ApplyUsage(ctx context.Context, tx *gorm.DB, quota *db.Quota, log *db.QuotaUsageLog) error {
	if err := tx.WithContext(ctx).Save(quota).Error; err != nil {
		return fmt.Errorf("quotas: apply usage: save quota: %w", err)
	}
	if err := tx.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("quotas: apply usage: create log: %w", err)
	}
	return nil
}

func (r *gormQuotaRepository) Update(ctx context.Context, quota *db.Quota) error {
	result := r.db.WithContext(ctx).Save(quota)
	if result.Error != nil {
		return fmt.Errorf("quotas: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormQuotaRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Quota{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("quotas: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
