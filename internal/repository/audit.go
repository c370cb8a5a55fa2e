package repository

import (
	"context"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"gorm.io/gorm"
)

// AuditRepository persists audit records in bulk, matching the buffered
// writer in internal/audit (C8) which flushes on a timer rather than per
// event.
type AuditRepository interface {
	BulkCreate(ctx context.Context, records []db.AuditRecord) error
	ListForResource(ctx context.Context, resource string, opts ListOptions) ([]db.AuditRecord, int64, error)
	ListForSubject(ctx context.Context, subject string, opts ListOptions) ([]db.AuditRecord, int64, error)
}

type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided *gorm.DB.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: db}
}

func (r *gormAuditRepository) BulkCreate(ctx context.Context, records []db.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(records, 200).Error; err != nil {
		return fmt.Errorf("audit_records: bulk create: %w", err)
	}
	return nil
}

func (r *gormAuditRepository) ListForResource(ctx context.Context, resource string, opts ListOptions) ([]db.AuditRecord, int64, error) {
	opts = opts.normalized()
	var records []db.AuditRecord
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.AuditRecord{}).Where("resource = ?", resource).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_records: list for resource count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("resource = ?", resource).
		Limit(opts.Limit).Offset(opts.Offset).Order("occurred_at_ts DESC").
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_records: list for resource: %w", err)
	}
	return records, total, nil
}

func (r *gormAuditRepository) ListForSubject(ctx context.Context, subject string, opts ListOptions) ([]db.AuditRecord, int64, error) {
	opts = opts.normalized()
	var records []db.AuditRecord
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.AuditRecord{}).Where("subject = ?", subject).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_records: list for subject count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("subject = ?", subject).
		Limit(opts.Limit).Offset(opts.Offset).Order("occurred_at_ts DESC").
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_records: list for subject: %w", err)
	}
	return records, total, nil
}
