package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProtectedRefRepository persists branch-protection rules consulted by the
// commit engine's branch-protection sub-evaluator (spec §4.3).
type ProtectedRefRepository interface {
	Create(ctx context.Context, rule *db.ProtectedRef) error
	GetByRepoAndRef(ctx context.Context, repoID uuid.UUID, refName string) (*db.ProtectedRef, error)
	List(ctx context.Context, repoID uuid.UUID) ([]db.ProtectedRef, error)
	Update(ctx context.Context, rule *db.ProtectedRef) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type gormProtectedRefRepository struct {
	db *gorm.DB
}

// NewProtectedRefRepository returns a ProtectedRefRepository backed by the provided *gorm.DB.
func NewProtectedRefRepository(db *gorm.DB) ProtectedRefRepository {
	return &gormProtectedRefRepository{db: db}
}

func (r *gormProtectedRefRepository) Create(ctx context.Context, rule *db.ProtectedRef) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("protected_refs: create: %w", err)
	}
	return nil
}

func (r *gormProtectedRefRepository) GetByRepoAndRef(ctx context.Context, repoID uuid.UUID, refName string) (*db.ProtectedRef, error) {
	var rule db.ProtectedRef
	err := r.db.WithContext(ctx).First(&rule, "repo_id = ? AND ref_name = ?", repoID, refName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("protected_refs: get by repo and ref: %w", err)
	}
	return &rule, nil
}

func (r *gormProtectedRefRepository) List(ctx context.Context, repoID uuid.UUID) ([]db.ProtectedRef, error) {
	var rules []db.ProtectedRef
	if err := r.db.WithContext(ctx).Where("repo_id = ?", repoID).Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("protected_refs: list: %w", err)
	}
	return rules, nil
}

func (r *gormProtectedRefRepository) Update(ctx context.Context, rule *db.ProtectedRef) error {
	result := r.db.WithContext(ctx).Save(rule)
	if result.Error != nil {
		return fmt.Errorf("protected_refs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProtectedRefRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.ProtectedRef{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("protected_refs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckResultRepository persists CI/status-check results consulted by branch
// protection's required-checks gate.
type CheckResultRepository interface {
	Upsert(ctx context.Context, result *db.CheckResult) error
	ListForCommit(ctx context.Context, repoID, commitID uuid.UUID) ([]db.CheckResult, error)
}

type gormCheckResultRepository struct {
	db *gorm.DB
}

// NewCheckResultRepository returns a CheckResultRepository backed by the provided *gorm.DB.
func NewCheckResultRepository(db *gorm.DB) CheckResultRepository {
	return &gormCheckResultRepository{db: db}
}

func (r *gormCheckResultRepository) Upsert(ctx context.Context, result *db.CheckResult) error {
	var existing db.CheckResult
	err := r.db.WithContext(ctx).First(&existing, "commit_id = ? AND name = ?", result.CommitID, result.Name).Error
	if err == nil {
		existing.Status = result.Status
		return r.db.WithContext(ctx).Save(&existing).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("check_results: upsert: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("check_results: upsert create: %w", err)
	}
	return nil
}

func (r *gormCheckResultRepository) ListForCommit(ctx context.Context, repoID, commitID uuid.UUID) ([]db.CheckResult, error) {
	var results []db.CheckResult
	err := r.db.WithContext(ctx).
		Where("repo_id = ? AND commit_id = ?", repoID, commitID).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("check_results: list for commit: %w", err)
	}
	return results, nil
}
