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

// WebhookRepository persists outbound webhook subscriptions. Secrets are
// encrypted at rest via db.EncryptedString, matching how OIDC client
// secrets are stored.
type WebhookRepository interface {
	Create(ctx context.Context, hook *db.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	// ListActiveForRepo returns enabled webhooks for repoID whose event mask
	// includes the event being dispatched (mask matching performed by the
	// caller; this returns all active hooks for the repo).
	ListActiveForRepo(ctx context.Context, repoID uuid.UUID) ([]db.Webhook, error)
	Update(ctx context.Context, hook *db.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, repoID uuid.UUID, opts ListOptions) ([]db.Webhook, int64, error)
}

type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided *gorm.DB.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: db}
}

func (r *gormWebhookRepository) Create(ctx context.Context, hook *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(hook).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

func (r *gormWebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error) {
	var hook db.Webhook
	err := r.db.WithContext(ctx).First(&hook, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &hook, nil
}

func (r *gormWebhookRepository) ListActiveForRepo(ctx context.Context, repoID uuid.UUID) ([]db.Webhook, error) {
	var hooks []db.Webhook
	err := r.db.WithContext(ctx).
		Where("repo_id = ? AND active = ?", repoID, true).
		Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list active for repo: %w", err)
	}
	return hooks, nil
}

func (r *gormWebhookRepository) Update(ctx context.Context, hook *db.Webhook) error {
	result := r.db.WithContext(ctx).Save(hook)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookRepository) List(ctx context.Context, repoID uuid.UUID, opts ListOptions) ([]db.Webhook, int64, error) {
	opts = opts.normalized()
	var hooks []db.Webhook
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Webhook{}).Where("repo_id = ?", repoID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("repo_id = ?", repoID).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at ASC").
		Find(&hooks).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list: %w", err)
	}
	return hooks, total, nil
}

// WebhookDeliveryRepository persists per-event delivery attempts. Deliveries
// are dispatched as a job class (webhook_delivery) rather than an
// independent scheduler, so this repository only tracks delivery state; the
// retry/backoff mechanics live in the job pipeline.
type WebhookDeliveryRepository interface {
	Create(ctx context.Context, delivery *db.WebhookDelivery) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error)
	UpdateResult(ctx context.Context, id uuid.UUID, state string, lastStatus int, nextRetryAt *time.Time) error
	ListForWebhook(ctx context.Context, webhookID uuid.UUID, opts ListOptions) ([]db.WebhookDelivery, int64, error)
}

type gormWebhookDeliveryRepository struct {
	db *gorm.DB
}

// NewWebhookDeliveryRepository returns a WebhookDeliveryRepository backed by the provided *gorm.DB.
func NewWebhookDeliveryRepository(db *gorm.DB) WebhookDeliveryRepository {
	return &gormWebhookDeliveryRepository{db: db}
}

func (r *gormWebhookDeliveryRepository) Create(ctx context.Context, delivery *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("webhook_deliveries: create: %w", err)
	}
	return nil
}

func (r *gormWebhookDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error) {
	var delivery db.WebhookDelivery
	err := r.db.WithContext(ctx).First(&delivery, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhook_deliveries: get by id: %w", err)
	}
	return &delivery, nil
}

func (r *gormWebhookDeliveryRepository) UpdateResult(ctx context.Context, id uuid.UUID, state string, lastStatus int, nextRetryAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":         state,
			"last_status":   lastStatus,
			"next_retry_at": nextRetryAt,
			"attempts":      gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("webhook_deliveries: update result: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookDeliveryRepository) ListForWebhook(ctx context.Context, webhookID uuid.UUID, opts ListOptions) ([]db.WebhookDelivery, int64, error) {
	opts = opts.normalized()
	var deliveries []db.WebhookDelivery
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.WebhookDelivery{}).Where("webhook_id = ?", webhookID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhook_deliveries: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").
		Find(&deliveries).Error; err != nil {
		return nil, 0, fmt.Errorf("webhook_deliveries: list: %w", err)
	}
	return deliveries, total, nil
}
