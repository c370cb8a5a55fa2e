package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RefRepository persists branch/tag pointers. Updates are conditional
// writes: CompareAndSwap only succeeds when the stored parent matches the
// caller's expected parent, else the commit is rejected as a Conflict
// (spec §4.2, §4.4 step 6, §8 invariant 1).
type RefRepository interface {
	Create(ctx context.Context, ref *db.Ref) error
	GetByRepoAndName(ctx context.Context, repoID uuid.UUID, name string) (*db.Ref, error)
	List(ctx context.Context, repoID uuid.UUID) ([]db.Ref, error)
	Delete(ctx context.Context, repoID uuid.UUID, name string) error

	// CompareAndSwap atomically updates ref's commit pointer from
	// expectedCommit to newCommit. expectedCommit may be nil for the
	// ref's first commit (ref currently unset). Returns ErrConflict if the
	// stored commit does not match expectedCommit at the moment of the
	// update — the caller must retry the whole commit attempt.
	CompareAndSwap(ctx context.Context, tx *gorm.DB, repoID uuid.UUID, name string, expectedCommit, newCommit *uuid.UUID) error
}

type gormRefRepository struct {
	db *gorm.DB
}

// NewRefRepository returns a RefRepository backed by the provided *gorm.DB.
func NewRefRepository(db *gorm.DB) RefRepository {
	return &gormRefRepository{db: db}
}

func (r *gormRefRepository) Create(ctx context.Context, ref *db.Ref) error {
	if err := r.db.WithContext(ctx).Create(ref).Error; err != nil {
		return fmt.Errorf("refs: create: %w", err)
	}
	return nil
}

func (r *gormRefRepository) GetByRepoAndName(ctx context.Context, repoID uuid.UUID, name string) (*db.Ref, error) {
	var ref db.Ref
	err := r.db.WithContext(ctx).First(&ref, "repo_id = ? AND name = ?", repoID, name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refs: get by repo and name: %w", err)
	}
	return &ref, nil
}

func (r *gormRefRepository) List(ctx context.Context, repoID uuid.UUID) ([]db.Ref, error) {
	var refs []db.Ref
	if err := r.db.WithContext(ctx).Where("repo_id = ?", repoID).Order("name ASC").Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("refs: list: %w", err)
	}
	return refs, nil
}

func (r *gormRefRepository) Delete(ctx context.Context, repoID uuid.UUID, name string) error {
	result := r.db.WithContext(ctx).
		Where("repo_id = ? AND name = ?", repoID, name).
		Delete(&db.Ref{})
	if result.Error != nil {
		return fmt.Errorf("refs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwap must run inside the same transaction as the commit insert
// it is guarding — the caller passes the transaction handle (tx) rather
// than using the repository's own *gorm.DB, so the ref update and the
// commit row land or fail atomically.
func (r *gormRefRepository) CompareAndSwap(ctx context.Context, tx *gorm.DB, repoID uuid.UUID, name string, expectedCommit, newCommit *uuid.UUID) error {
	query := tx.WithContext(ctx).Model(&db.Ref{}).Where("repo_id = ? AND name = ?", repoID, name)
	if expectedCommit == nil {
		query = query.Where("commit_id IS NULL")
	} else {
		query = query.Where("commit_id = ?", *expectedCommit)
	}

	result := query.Update("commit_id", newCommit)
	if result.Error != nil {
		return fmt.Errorf("refs: compare and swap: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Either the ref doesn't exist yet, or its current value no longer
		// matches expectedCommit — distinguish so the caller can decide
		// between "create the ref" and "reject as conflict".
		var exists int64
		if err := tx.WithContext(ctx).Model(&db.Ref{}).
			Where("repo_id = ? AND name = ?", repoID, name).
			Count(&exists).Error; err != nil {
			return fmt.Errorf("refs: compare and swap: check existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}
