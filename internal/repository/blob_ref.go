package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacklake-io/blacklake/internal/db"
	"gorm.io/gorm"
)

// BlobRefRepository tracks reference counts for content-addressed blobs so
// the retention sweeper (C7) only hard-deletes object-store keys once no
// entry references them.
type BlobRefRepository interface {
	// Upsert increments ref_count for digest, creating the row at
	// ref_count=1 if it doesn't exist yet. Must run inside tx, the same
	// transaction as the commit's entry inserts.
	Upsert(ctx context.Context, tx *gorm.DB, digest string, sizeBytes int64) error
	// Decrement lowers ref_count by one; callers delete the blob from the
	// object store once ref_count reaches zero.
	Decrement(ctx context.Context, digest string) (*db.BlobRef, error)
	GetByDigest(ctx context.Context, digest string) (*db.BlobRef, error)
	// ListUnreferenced returns blobs with ref_count<=0, eligible for hard delete.
	ListUnreferenced(ctx context.Context, limit int) ([]db.BlobRef, error)
	Delete(ctx context.Context, digest string) error
}

type gormBlobRefRepository struct {
	db *gorm.DB
}

// NewBlobRefRepository returns a BlobRefRepository backed by the provided *gorm.DB.
func NewBlobRefRepository(db *gorm.DB) BlobRefRepository {
	return &gormBlobRefRepository{db: db}
}

func (r *gormBlobRefRepository) Upsert(ctx context.Context, tx *gorm.DB, digest string, sizeBytes int64) error {
	var existing db.BlobRef
	err := tx.WithContext(ctx).First(&existing, "digest = ?", digest).Error
	if err == nil {
		return tx.WithContext(ctx).Model(&db.BlobRef{}).
			Where("digest = ?", digest).
			Update("ref_count", gorm.Expr("ref_count + 1")).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("blob_refs: upsert: %w", err)
	}
	if err := tx.WithContext(ctx).Create(&db.BlobRef{Digest: digest, SizeBytes: sizeBytes, RefCount: 1}).Error; err != nil {
		return fmt.Errorf("blob_refs: upsert create: %w", err)
	}
	return nil
}

func (r *gormBlobRefRepository) Decrement(ctx context.Context, digest string) (*db.BlobRef, error) {
	err := r.db.WithContext(ctx).Model(&db.BlobRef{}).
		Where("digest = ?", digest).
		Update("ref_count", gorm.Expr("ref_count - 1")).Error
	if err != nil {
		return nil, fmt.Errorf("blob_refs: decrement: %w", err)
	}
	return r.GetByDigest(ctx, digest)
}

func (r *gormBlobRefRepository) GetByDigest(ctx context.Context, digest string) (*db.BlobRef, error) {
	var ref db.BlobRef
	err := r.db.WithContext(ctx).First(&ref, "digest = ?", digest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob_refs: get by digest: %w", err)
	}
	return &ref, nil
}

func (r *gormBlobRefRepository) ListUnreferenced(ctx context.Context, limit int) ([]db.BlobRef, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var refs []db.BlobRef
	err := r.db.WithContext(ctx).
		Where("ref_count <= 0").
		Limit(limit).
		Find(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("blob_refs: list unreferenced: %w", err)
	}
	return refs, nil
}

func (r *gormBlobRefRepository) Delete(ctx context.Context, digest string) error {
	result := r.db.WithContext(ctx).Delete(&db.BlobRef{}, "digest = ?", digest)
	if result.Error != nil {
		return fmt.Errorf("blob_refs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
