package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EntryRepository persists per-commit path entries. A commit only carries
// rows for paths it changed (put/meta/delete); get_tree resolves the full
// tree by overlaying a commit's entries on top of its ancestors' (spec §4.4
// get_tree, §9 cyclic-reference/overlay note).
type EntryRepository interface {
	// CreateBatch inserts all entries for one commit inside tx.
	CreateBatch(ctx context.Context, tx *gorm.DB, entries []db.Entry) error
	// ListForCommit returns only the rows this commit itself wrote (not the
	// overlaid tree).
	ListForCommit(ctx context.Context, commitID uuid.UUID) ([]db.Entry, error)
	GetAtCommit(ctx context.Context, commitID uuid.UUID, path string) (*db.Entry, error)
	// ListQuarantined returns quarantined entries across a repo, for the
	// antivirus job handler and admin review surfaces.
	ListQuarantined(ctx context.Context, repoID uuid.UUID) ([]db.Entry, error)
	SetQuarantined(ctx context.Context, id uuid.UUID, quarantined bool) error
	// ListByDigest returns every entry row pointing at digest, across all
	// commits and repos — a single infected blob may be referenced by
	// several paths/commits, and the antivirus handler must mask all of
	// them, not just the one that triggered the scan.
	ListByDigest(ctx context.Context, digest string) ([]db.Entry, error)
	// ListTombstoneEligible returns untombstoned entries in repoID whose
	// owning commit was created before cutoffEpoch (UTC unix seconds) — the
	// retention sweeper's step 1 (spec §4.7).
	ListTombstoneEligible(ctx context.Context, repoID uuid.UUID, cutoffEpoch int64, limit int) ([]db.Entry, error)
	// MarkTombstoned flags ids as tombstoned, hiding them from tree reads.
	MarkTombstoned(ctx context.Context, ids []uuid.UUID) error
	// ListHardDeleteEligible returns already-tombstoned entries in repoID
	// whose owning commit was created before cutoffEpoch — the retention
	// sweeper's step 2.
	ListHardDeleteEligible(ctx context.Context, repoID uuid.UUID, cutoffEpoch int64, limit int) ([]db.Entry, error)
	// DeleteBatch permanently removes entry rows by id.
	DeleteBatch(ctx context.Context, ids []uuid.UUID) error
}

type gormEntryRepository struct {
	db *gorm.DB
}

// NewEntryRepository returns an EntryRepository backed by the provided *gorm.DB.
func NewEntryRepository(db *gorm.DB) EntryRepository {
	return &gormEntryRepository{db: db}
}

func (r *gormEntryRepository) CreateBatch(ctx context.Context, tx *gorm.DB, entries []db.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).CreateInBatches(entries, 200).Error; err != nil {
		return fmt.Errorf("entries: create batch: %w", err)
	}
	return nil
}

func (r *gormEntryRepository) ListForCommit(ctx context.Context, commitID uuid.UUID) ([]db.Entry, error) {
	var entries []db.Entry
	if err := r.db.WithContext(ctx).Where("commit_id = ?", commitID).Order("path ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("entries: list for commit: %w", err)
	}
	return entries, nil
}

func (r *gormEntryRepository) GetAtCommit(ctx context.Context, commitID uuid.UUID, path string) (*db.Entry, error) {
	var entry db.Entry
	err := r.db.WithContext(ctx).First(&entry, "commit_id = ? AND path = ?", commitID, path).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("entries: get at commit: %w", err)
	}
	return &entry, nil
}

func (r *gormEntryRepository) ListQuarantined(ctx context.Context, repoID uuid.UUID) ([]db.Entry, error) {
	var entries []db.Entry
	err := r.db.WithContext(ctx).
		Where("repo_id = ? AND quarantined = ?", repoID, true).
		Order("path ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("entries: list quarantined: %w", err)
	}
	return entries, nil
}

func (r *gormEntryRepository) ListByDigest(ctx context.Context, digest string) ([]db.Entry, error) {
	var entries []db.Entry
	if err := r.db.WithContext(ctx).Where("blob_digest = ?", digest).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("entries: list by digest: %w", err)
	}
	return entries, nil
}

func (r *gormEntryRepository) SetQuarantined(ctx context.Context, id uuid.UUID, quarantined bool) error {
	result := r.db.WithContext(ctx).Model(&db.Entry{}).Where("id = ?", id).Update("quarantined", quarantined)
	if result.Error != nil {
		return fmt.Errorf("entries: set quarantined: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormEntryRepository) ListTombstoneEligible(ctx context.Context, repoID uuid.UUID, cutoffEpoch int64, limit int) ([]db.Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var entries []db.Entry
	err := r.db.WithContext(ctx).
		Joins("JOIN commits ON commits.id = entries.commit_id").
		Where("entries.repo_id = ? AND entries.tombstoned = ? AND commits.created_at_epoch < ?", repoID, false, cutoffEpoch).
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("entries: list tombstone eligible: %w", err)
	}
	return entries, nil
}

func (r *gormEntryRepository) MarkTombstoned(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&db.Entry{}).Where("id IN ?", ids).Update("tombstoned", true).Error; err != nil {
		return fmt.Errorf("entries: mark tombstoned: %w", err)
	}
	return nil
}

func (r *gormEntryRepository) ListHardDeleteEligible(ctx context.Context, repoID uuid.UUID, cutoffEpoch int64, limit int) ([]db.Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var entries []db.Entry
	err := r.db.WithContext(ctx).
		Joins("JOIN commits ON commits.id = entries.commit_id").
		Where("entries.repo_id = ? AND entries.tombstoned = ? AND commits.created_at_epoch < ?", repoID, true, cutoffEpoch).
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("entries: list hard delete eligible: %w", err)
	}
	return entries, nil
}

func (r *gormEntryRepository) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&db.Entry{}).Error; err != nil {
		return fmt.Errorf("entries: delete batch: %w", err)
	}
	return nil
}
