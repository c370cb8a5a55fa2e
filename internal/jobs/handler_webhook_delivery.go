package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/repository"
	"github.com/blacklake-io/blacklake/pkg/types"
)

type webhookDeliveryPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// WebhookDispatcher is the subset of *webhook.Dispatcher the handler needs.
type WebhookDispatcher interface {
	Deliver(ctx context.Context, url, secret string, payload types.WebhookPayload) (statusCode int, err error)
}

// WebhookDeliveryHandler sends one signed event POST to a subscriber and
// records the outcome on the delivery row. Retry/backoff across attempts
// is the pipeline's job (spec §4.5's job-class table); this handler only
// classifies a single attempt's result.
type WebhookDeliveryHandler struct {
	webhooks   repository.WebhookRepository
	deliveries repository.WebhookDeliveryRepository
	dispatcher WebhookDispatcher
	logger     *zap.Logger
}

func NewWebhookDeliveryHandler(webhooks repository.WebhookRepository, deliveries repository.WebhookDeliveryRepository, dispatcher WebhookDispatcher, logger *zap.Logger) *WebhookDeliveryHandler {
	return &WebhookDeliveryHandler{webhooks: webhooks, deliveries: deliveries, dispatcher: dispatcher, logger: logger.Named("webhook_delivery")}
}

func (h *WebhookDeliveryHandler) Handle(ctx context.Context, idempotencyKey string, payload []byte) Result {
	var p webhookDeliveryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("webhook_delivery: unmarshal payload: %w", err))
	}

	deliveryID, err := uuid.Parse(p.DeliveryID)
	if err != nil {
		return Permanent(fmt.Errorf("webhook_delivery: invalid delivery id %q: %w", p.DeliveryID, err))
	}

	delivery, err := h.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		if err == repository.ErrNotFound {
			// The commit engine writes the delivery row just after it
			// enqueues this job, so a worker can get here first.
			return Retryable(fmt.Errorf("webhook_delivery: delivery %s not found: %w", deliveryID, err))
		}
		return Retryable(fmt.Errorf("webhook_delivery: load delivery: %w", err))
	}

	hook, err := h.webhooks.GetByID(ctx, delivery.WebhookID)
	if err != nil {
		if err == repository.ErrNotFound {
			// Subscriber was removed between enqueue and delivery; nothing
			// left to deliver to.
			return Succeeded()
		}
		return Retryable(fmt.Errorf("webhook_delivery: load webhook: %w", err))
	}
	if !hook.Active {
		return Succeeded()
	}

	var body types.WebhookPayload
	if err := json.Unmarshal([]byte(delivery.Payload), &body); err != nil {
		return Permanent(fmt.Errorf("webhook_delivery: unmarshal event payload: %w", err))
	}

	status, deliverErr := h.dispatcher.Deliver(ctx, hook.URL, string(hook.Secret), body)

	state := "delivered"
	if deliverErr != nil {
		state = "failed"
	}
	if updErr := h.deliveries.UpdateResult(ctx, deliveryID, state, status, nil); updErr != nil {
		h.logger.Error("update delivery result failed", zap.String("delivery_id", deliveryID.String()), zap.Error(updErr))
	}

	if deliverErr != nil {
		return classifyDeliveryErr(status, deliverErr)
	}
	return Succeeded()
}

// classifyDeliveryErr treats every failed attempt as retryable: a
// transport-level failure (status 0) and any non-2xx response alike. The
// number of attempts is bounded by the class's MaxAttempts in Specs.
func classifyDeliveryErr(status int, err error) Result {
	return Retryable(err)
}
