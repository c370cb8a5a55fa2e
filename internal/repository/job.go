package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobRepository persists the background job pipeline's queue (spec §4.5).
// Workers acquire jobs via AcquireNext's conditional update, which is the
// pipeline's sole source of at-most-one-worker-owns-a-job-at-a-time.
type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	// GetByTypeAndIdempotencyKey backs Enqueue's duplicate-suppression: a
	// second enqueue with the same (type, idempotency_key) pair returns the
	// existing job instead of inserting a new row (spec §4.5, unique index).
	GetByTypeAndIdempotencyKey(ctx context.Context, jobType, idempotencyKey string) (*db.Job, error)

	// AcquireNext finds one due job (state=pending, next_attempt_at<=now)
	// of any class in classes (all classes if empty), conditionally flips it
	// to state=running with a fresh lease, and returns it. Returns
	// ErrNotFound if no job is currently due.
	AcquireNext(ctx context.Context, owner string, leaseDuration time.Duration, classes []string) (*db.Job, error)
	// ExtendLease refreshes lease_expires_at for a job the worker still owns.
	ExtendLease(ctx context.Context, id uuid.UUID, owner string, leaseDuration time.Duration) error
	// Complete marks a job succeeded.
	Complete(ctx context.Context, id uuid.UUID) error
	// Fail records errMsg on a job. With a non-nil nextAttemptAt it puts
	// the job back to pending, due at that time; with nil it moves the job
	// to the failed terminal state (the caller decides which by checking
	// MaxAttempts first).
	Fail(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt *time.Time) error
	// ReapExpiredLeases resets jobs whose lease_expires_at has passed back
	// to pending, incrementing their lease_expirations counter, so another
	// worker can pick them up (spec §4.5 step 6 / §5 abandoned-worker note).
	// A job whose lease_expirations reaches maxLeaseExpirations is
	// dead-lettered instead of reset, bounding livelock from a worker that
	// repeatedly crashes mid-lease on the same job.
	ReapExpiredLeases(ctx context.Context) (int64, error)

	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListByState(ctx context.Context, state string, opts ListOptions) ([]db.Job, int64, error)

	BulkCreateLogs(ctx context.Context, logs []db.JobLog) error
	GetLogs(ctx context.Context, jobID uuid.UUID) ([]db.JobLog, error)

	CreateDeadLetter(ctx context.Context, dl *db.DeadLetterJob) error
	GetDeadLetterByID(ctx context.Context, id uuid.UUID) (*db.DeadLetterJob, error)
	ListDeadLetters(ctx context.Context, opts ListOptions) ([]db.DeadLetterJob, int64, error)
	// DiscardDeadLetter marks a dead letter as permanently abandoned, so it
	// is excluded from further retry attempts.
	DiscardDeadLetter(ctx context.Context, id uuid.UUID) error
}

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) GetByTypeAndIdempotencyKey(ctx context.Context, jobType, idempotencyKey string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "type = ? AND idempotency_key = ?", jobType, idempotencyKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by type and idempotency key: %w", err)
	}
	return &job, nil
}

// AcquireNext is the pipeline's single conditional-update lease grab: it
// selects one candidate id, then updates it with a WHERE clause re-checking
// state=pending so a concurrent worker racing for the same row loses the
// update (RowsAffected==0) and retries against the next candidate instead.
func (r *gormJobRepository) AcquireNext(ctx context.Context, owner string, leaseDuration time.Duration, classes []string) (*db.Job, error) {
	now := time.Now().UTC()

	var candidates []db.Job
	query := r.db.WithContext(ctx).
		Where("state = ? AND next_attempt_at <= ?", "pending", now).
		Order("next_attempt_at ASC").
		Limit(20)
	if len(classes) > 0 {
		query = query.Where("type IN ?", classes)
	}
	if err := query.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("jobs: acquire next: find candidates: %w", err)
	}

	leaseExpiry := now.Add(leaseDuration)
	for _, candidate := range candidates {
		result := r.db.WithContext(ctx).
			Model(&db.Job{}).
			Where("id = ? AND state = ?", candidate.ID, "pending").
			Updates(map[string]interface{}{
				"state":            "running",
				"owner":            owner,
				"lease_expires_at": leaseExpiry,
				"attempts":         candidate.Attempts + 1,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("jobs: acquire next: claim: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		acquired := candidate
		acquired.State = "running"
		acquired.Owner = owner
		acquired.LeaseExpiresAt = &leaseExpiry
		acquired.Attempts++
		return &acquired, nil
	}
	return nil, ErrNotFound
}

func (r *gormJobRepository) ExtendLease(ctx context.Context, id uuid.UUID, owner string, leaseDuration time.Duration) error {
	leaseExpiry := time.Now().UTC().Add(leaseDuration)
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND owner = ? AND state = ?", id, owner, "running").
		Update("lease_expires_at", leaseExpiry)
	if result.Error != nil {
		return fmt.Errorf("jobs: extend lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *gormJobRepository) Complete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state": "succeeded",
			"error": "",
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: complete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) Fail(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt *time.Time) error {
	updates := map[string]interface{}{"error": errMsg}
	if nextAttemptAt != nil {
		updates["state"] = "pending"
		updates["next_attempt_at"] = *nextAttemptAt
	} else {
		updates["state"] = "failed"
	}
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("jobs: fail: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// maxLeaseExpirations bounds livelock: a job whose lease keeps expiring
// (its worker keeps crashing or hanging mid-lease) is dead-lettered rather
// than recycled back to pending forever.
const maxLeaseExpirations = 3

func (r *gormJobRepository) ReapExpiredLeases(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	var expired []db.Job
	if err := r.db.WithContext(ctx).
		Where("state = ? AND lease_expires_at < ?", "running", now).
		Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("jobs: reap expired leases: find: %w", err)
	}

	var reaped int64
	for _, job := range expired {
		expirations := job.LeaseExpirations + 1

		if expirations >= maxLeaseExpirations {
			errMsg := fmt.Sprintf("dead-lettered after %d consecutive lease expirations", expirations)
			result := r.db.WithContext(ctx).
				Model(&db.Job{}).
				Where("id = ? AND state = ?", job.ID, "running").
				Updates(map[string]interface{}{
					"state":             "failed",
					"owner":             "",
					"lease_expires_at":  nil,
					"lease_expirations": expirations,
					"error":             errMsg,
				})
			if result.Error != nil {
				return reaped, fmt.Errorf("jobs: reap expired leases: dead-letter %s: %w", job.ID, result.Error)
			}
			if result.RowsAffected == 0 {
				continue
			}
			if err := r.CreateDeadLetter(ctx, &db.DeadLetterJob{
				OriginalJobID: job.ID,
				Type:          job.Type,
				RepoID:        job.RepoID,
				Payload:       job.Payload,
				Error:         errMsg,
				Attempts:      job.Attempts,
			}); err != nil {
				return reaped, fmt.Errorf("jobs: reap expired leases: create dead letter for %s: %w", job.ID, err)
			}
			reaped++
			continue
		}

		result := r.db.WithContext(ctx).
			Model(&db.Job{}).
			Where("id = ? AND state = ?", job.ID, "running").
			Updates(map[string]interface{}{
				"state":             "pending",
				"owner":             "",
				"lease_expires_at":  nil,
				"lease_expirations": expirations,
			})
		if result.Error != nil {
			return reaped, fmt.Errorf("jobs: reap expired leases: reset %s: %w", job.ID, result.Error)
		}
		if result.RowsAffected > 0 {
			reaped++
		}
	}
	return reaped, nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	opts = opts.normalized()
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByState(ctx context.Context, state string, opts ListOptions) ([]db.Job, int64, error) {
	opts = opts.normalized()
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("state = ?", state).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by state count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("state = ?", state).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by state: %w", err)
	}
	return jobs, total, nil
}

// BulkCreateLogs inserts multiple log lines in a single database call.
// Logs are buffered during job execution and flushed once at completion to
// minimize write pressure during the run.
func (r *gormJobRepository) BulkCreateLogs(ctx context.Context, logs []db.JobLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("jobs: bulk create logs: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetLogs(ctx context.Context, jobID uuid.UUID) ([]db.JobLog, error) {
	var logs []db.JobLog
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("jobs: get logs: %w", err)
	}
	return logs, nil
}

func (r *gormJobRepository) CreateDeadLetter(ctx context.Context, dl *db.DeadLetterJob) error {
	if err := r.db.WithContext(ctx).Create(dl).Error; err != nil {
		return fmt.Errorf("jobs: create dead letter: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetDeadLetterByID(ctx context.Context, id uuid.UUID) (*db.DeadLetterJob, error) {
	var dl db.DeadLetterJob
	err := r.db.WithContext(ctx).First(&dl, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get dead letter by id: %w", err)
	}
	return &dl, nil
}

func (r *gormJobRepository) DiscardDeadLetter(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.DeadLetterJob{}).Where("id = ?", id).Update("discarded", true)
	if result.Error != nil {
		return fmt.Errorf("jobs: discard dead letter: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) ListDeadLetters(ctx context.Context, opts ListOptions) ([]db.DeadLetterJob, int64, error) {
	opts = opts.normalized()
	var deadLetters []db.DeadLetterJob
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.DeadLetterJob{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list dead letters count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").
		Find(&deadLetters).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list dead letters: %w", err)
	}
	return deadLetters, total, nil
}
