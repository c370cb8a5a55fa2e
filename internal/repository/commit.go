package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CommitRepository persists commit records. Commits are insert-only — a
// commit is never updated or deleted once written, it can only be
// superseded by a later commit on the same ref.
type CommitRepository interface {
	// Create inserts a commit row using tx, the same transaction as the
	// ref CompareAndSwap it accompanies.
	Create(ctx context.Context, tx *gorm.DB, commit *db.Commit) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Commit, error)
	// History walks parent pointers from head, newest first, up to limit
	// commits. Used by get_tree's ancestor-overlay resolution and by
	// audit/debugging tooling.
	History(ctx context.Context, headID uuid.UUID, limit int) ([]db.Commit, error)
}

type gormCommitRepository struct {
	db *gorm.DB
}

// NewCommitRepository returns a CommitRepository backed by the provided *gorm.DB.
func NewCommitRepository(db *gorm.DB) CommitRepository {
	return &gormCommitRepository{db: db}
}

func (r *gormCommitRepository) Create(ctx context.Context, tx *gorm.DB, commit *db.Commit) error {
	if err := tx.WithContext(ctx).Create(commit).Error; err != nil {
		return fmt.Errorf("commits: create: %w", err)
	}
	return nil
}

func (r *gormCommitRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Commit, error) {
	var commit db.Commit
	err := r.db.WithContext(ctx).First(&commit, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commits: get by id: %w", err)
	}
	return &commit, nil
}

func (r *gormCommitRepository) History(ctx context.Context, headID uuid.UUID, limit int) ([]db.Commit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	history := make([]db.Commit, 0, limit)
	currentID := &headID
	for i := 0; i < limit && currentID != nil; i++ {
		var commit db.Commit
		err := r.db.WithContext(ctx).First(&commit, "id = ?", *currentID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				break
			}
			return nil, fmt.Errorf("commits: history: %w", err)
		}
		history = append(history, commit)
		currentID = commit.ParentID
	}
	return history, nil
}
