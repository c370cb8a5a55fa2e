package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExportRecordRepository persists the output artifacts of "export" jobs —
// tarballs of a commit's entries uploaded to the object store.
type ExportRecordRepository interface {
	Create(ctx context.Context, record *db.ExportRecord) error
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*db.ExportRecord, error)
	ListForCommit(ctx context.Context, commitID uuid.UUID) ([]db.ExportRecord, error)
}

type gormExportRecordRepository struct {
	db *gorm.DB
}

// NewExportRecordRepository returns an ExportRecordRepository backed by the provided *gorm.DB.
func NewExportRecordRepository(db *gorm.DB) ExportRecordRepository {
	return &gormExportRecordRepository{db: db}
}

func (r *gormExportRecordRepository) Create(ctx context.Context, record *db.ExportRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("export_records: create: %w", err)
	}
	return nil
}

func (r *gormExportRecordRepository) GetByJobID(ctx context.Context, jobID uuid.UUID) (*db.ExportRecord, error) {
	var record db.ExportRecord
	err := r.db.WithContext(ctx).First(&record, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("export_records: get by job id: %w", err)
	}
	return &record, nil
}

func (r *gormExportRecordRepository) ListForCommit(ctx context.Context, commitID uuid.UUID) ([]db.ExportRecord, error) {
	var records []db.ExportRecord
	if err := r.db.WithContext(ctx).Where("commit_id = ?", commitID).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("export_records: list for commit: %w", err)
	}
	return records, nil
}
