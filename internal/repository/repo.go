package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RepoRepository persists Repository rows — the top-level container for
// refs, commits, entries, policies, quotas, protected-refs, and webhooks.
type RepoRepository interface {
	Create(ctx context.Context, repo *db.Repository) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Repository, error)
	GetByName(ctx context.Context, name string) (*db.Repository, error)
	Update(ctx context.Context, repo *db.Repository) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Repository, int64, error)
	// ListRetentionEligible returns repos with legal_hold=false, for the
	// retention sweeper (C7).
	ListRetentionEligible(ctx context.Context) ([]db.Repository, error)
}

type gormRepoRepository struct {
	db *gorm.DB
}

// NewRepoRepository returns a RepoRepository backed by the provided *gorm.DB.
func NewRepoRepository(db *gorm.DB) RepoRepository {
	return &gormRepoRepository{db: db}
}

func (r *gormRepoRepository) Create(ctx context.Context, repo *db.Repository) error {
	if err := r.db.WithContext(ctx).Create(repo).Error; err != nil {
		return fmt.Errorf("repos: create: %w", err)
	}
	return nil
}

func (r *gormRepoRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Repository, error) {
	var repo db.Repository
	err := r.db.WithContext(ctx).First(&repo, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repos: get by id: %w", err)
	}
	return &repo, nil
}

func (r *gormRepoRepository) GetByName(ctx context.Context, name string) (*db.Repository, error) {
	var repo db.Repository
	err := r.db.WithContext(ctx).First(&repo, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repos: get by name: %w", err)
	}
	return &repo, nil
}

func (r *gormRepoRepository) Update(ctx context.Context, repo *db.Repository) error {
	result := r.db.WithContext(ctx).Save(repo)
	if result.Error != nil {
		return fmt.Errorf("repos: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a repo without checking that it is empty. The API handler
// (api.RepoHandler.Delete) refuses the delete while any of the repo's refs
// points at a commit; commits no ref points at are not checked.
func (r *gormRepoRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Repository{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("repos: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRepoRepository) List(ctx context.Context, opts ListOptions) ([]db.Repository, int64, error) {
	opts = opts.normalized()
	var repos []db.Repository
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Repository{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repos: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at ASC").
		Find(&repos).Error; err != nil {
		return nil, 0, fmt.Errorf("repos: list: %w", err)
	}
	return repos, total, nil
}

func (r *gormRepoRepository) ListRetentionEligible(ctx context.Context) ([]db.Repository, error) {
	var repos []db.Repository
	if err := r.db.WithContext(ctx).Where("legal_hold = ?", false).Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("repos: list retention eligible: %w", err)
	}
	return repos, nil
}
