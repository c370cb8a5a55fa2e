package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PolicyRepository persists ABAC rules (spec §3/§4.3). Deny-wins,
// most-specific-match evaluation is performed by internal/policy over the
// candidate set this repository returns; the repository itself does no
// selector matching.
type PolicyRepository interface {
	Create(ctx context.Context, policy *db.Policy) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Policy, error)
	Update(ctx context.Context, policy *db.Policy) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Policy, int64, error)

	// ListCandidates returns all enabled policies for a tenant bucket (empty
	// tenant matches global policies too). The policy evaluator filters this
	// set further by subject/action/resource selector match.
	ListCandidates(ctx context.Context, tenant string) ([]db.Policy, error)
}

type gormPolicyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository returns a PolicyRepository backed by the provided *gorm.DB.
func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &gormPolicyRepository{db: db}
}

// Create inserts a new policy record into the database.
func (r *gormPolicyRepository) Create(ctx context.Context, policy *db.Policy) error {
	if err := r.db.WithContext(ctx).Create(policy).Error; err != nil {
		return fmt.Errorf("policies: create: %w", err)
	}
	return nil
}

// GetByID retrieves a policy by its UUID. Soft-deleted policies are excluded.
func (r *gormPolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Policy, error) {
	var policy db.Policy
	err := r.db.WithContext(ctx).First(&policy, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("policies: get by id: %w", err)
	}
	return &policy, nil
}

// Update persists all fields of an existing policy record.
func (r *gormPolicyRepository) Update(ctx context.Context, policy *db.Policy) error {
	result := r.db.WithContext(ctx).Save(policy)
	if result.Error != nil {
		return fmt.Errorf("policies: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a policy by setting deleted_at.
func (r *gormPolicyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Policy{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("policies: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of policies and the total count.
func (r *gormPolicyRepository) List(ctx context.Context, opts ListOptions) ([]db.Policy, int64, error) {
	opts = opts.normalized()
	var policies []db.Policy
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Policy{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("policies: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&policies).Error; err != nil {
		return nil, 0, fmt.Errorf("policies: list: %w", err)
	}

	return policies, total, nil
}

// ListCandidates returns enabled policies scoped to tenant (and the global
// bucket, tenant=""), ordered so higher-specificity policies sort first.
func (r *gormPolicyRepository) ListCandidates(ctx context.Context, tenant string) ([]db.Policy, error) {
	var policies []db.Policy
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND (tenant = ? OR tenant = '')", true, tenant).
		Order("specificity_fields DESC, id ASC").
		Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("policies: list candidates: %w", err)
	}
	return policies, nil
}
