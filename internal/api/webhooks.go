package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// WebhookHandler groups CRUD handlers for outbound webhook subscriptions.
// Delivery history is exposed read-only via ListDeliveries — deliveries
// themselves are created by the commit engine's post-commit fan-out and
// driven by the webhook_delivery job class, not by this handler.
type WebhookHandler struct {
	hooks      repository.WebhookRepository
	deliveries repository.WebhookDeliveryRepository
	logger     *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(hooks repository.WebhookRepository, deliveries repository.WebhookDeliveryRepository, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{hooks: hooks, deliveries: deliveries, logger: logger.Named("webhook_handler")}
}

// webhookResponse is the JSON representation of a Webhook. Secret is
// intentionally omitted — it is write-only, used only to HMAC-sign outbound
// deliveries.
type webhookResponse struct {
	ID        string   `json:"id"`
	RepoID    string   `json:"repo_id"`
	URL       string   `json:"url"`
	EventMask []string `json:"event_mask"`
	Active    bool     `json:"active"`
	CreatedAt string   `json:"created_at"`
}

func webhookToResponse(hook *db.Webhook) webhookResponse {
	var mask []string
	_ = json.Unmarshal([]byte(hook.EventMask), &mask)
	return webhookResponse{
		ID:        hook.ID.String(),
		RepoID:    hook.RepoID.String(),
		URL:       hook.URL,
		EventMask: mask,
		Active:    hook.Active,
		CreatedAt: hook.CreatedAt.UTC().String(),
	}
}

type listWebhooksResponse struct {
	Items []webhookResponse `json:"items"`
	Total int64             `json:"total"`
}

// List handles GET /api/v1/repos/{id}/webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	opts := paginationOpts(r)

	hooks, total, err := h.hooks.List(r.Context(), repoID, opts)
	if err != nil {
		h.logger.Error("failed to list webhooks", zap.String("repo_id", repoID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]webhookResponse, len(hooks))
	for i := range hooks {
		items[i] = webhookToResponse(&hooks[i])
	}
	Ok(w, listWebhooksResponse{Items: items, Total: total})
}

// createWebhookRequest is the JSON body for POST /repos/{id}/webhooks.
// EventMask entries are types.EventType values (e.g. "commit.created"), or a
// single "*" entry to subscribe to everything.
type createWebhookRequest struct {
	URL       string   `json:"url"`
	Secret    string   `json:"secret"`
	EventMask []string `json:"event_mask"`
}

// Create handles POST /api/v1/repos/{id}/webhooks.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req createWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		ErrBadRequest(w, "url is required")
		return
	}
	if req.Secret == "" {
		ErrBadRequest(w, "secret is required")
		return
	}
	if len(req.EventMask) == 0 {
		req.EventMask = []string{"*"}
	}

	maskJSON, err := json.Marshal(req.EventMask)
	if err != nil {
		ErrBadRequest(w, "invalid event_mask")
		return
	}

	hook := &db.Webhook{
		RepoID:    repoID,
		URL:       req.URL,
		Secret:    db.EncryptedString(req.Secret),
		EventMask: string(maskJSON),
		Active:    true,
	}
	if err := h.hooks.Create(r.Context(), hook); err != nil {
		h.logger.Error("failed to create webhook", zap.String("repo_id", repoID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, webhookToResponse(hook))
}

// GetByID handles GET /api/v1/webhooks/{id}.
func (h *WebhookHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	hook, err := h.hooks.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get webhook", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, webhookToResponse(hook))
}

// updateWebhookRequest is the JSON body for PATCH /webhooks/{id}.
type updateWebhookRequest struct {
	URL       *string  `json:"url"`
	Secret    *string  `json:"secret"`
	EventMask []string `json:"event_mask"`
	Active    *bool    `json:"active"`
}

// Update handles PATCH /api/v1/webhooks/{id}.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	hook, err := h.hooks.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get webhook for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.URL != nil {
		hook.URL = *req.URL
	}
	if req.Secret != nil {
		hook.Secret = db.EncryptedString(*req.Secret)
	}
	if req.EventMask != nil {
		maskJSON, err := json.Marshal(req.EventMask)
		if err != nil {
			ErrBadRequest(w, "invalid event_mask")
			return
		}
		hook.EventMask = string(maskJSON)
	}
	if req.Active != nil {
		hook.Active = *req.Active
	}

	if err := h.hooks.Update(r.Context(), hook); err != nil {
		h.logger.Error("failed to update webhook", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, webhookToResponse(hook))
}

// Delete handles DELETE /api/v1/webhooks/{id}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.hooks.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete webhook", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type webhookDeliveryResponse struct {
	ID          string  `json:"id"`
	Event       string  `json:"event"`
	Attempts    int     `json:"attempts"`
	State       string  `json:"state"`
	LastStatus  int     `json:"last_status"`
	NextRetryAt *string `json:"next_retry_at"`
	CreatedAt   string  `json:"created_at"`
}

type listDeliveriesResponse struct {
	Items []webhookDeliveryResponse `json:"items"`
	Total int64                     `json:"total"`
}

// ListDeliveries handles GET /api/v1/webhooks/{id}/deliveries.
func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	webhookID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	opts := paginationOpts(r)

	deliveries, total, err := h.deliveries.ListForWebhook(r.Context(), webhookID, opts)
	if err != nil {
		h.logger.Error("failed to list webhook deliveries", zap.String("webhook_id", webhookID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]webhookDeliveryResponse, len(deliveries))
	for i, d := range deliveries {
		items[i] = webhookDeliveryResponse{
			ID:         d.ID.String(),
			Event:      d.Event,
			Attempts:   d.Attempts,
			State:      d.State,
			LastStatus: d.LastStatus,
			CreatedAt:  d.CreatedAt.UTC().String(),
		}
		if d.NextRetryAt != nil {
			s := d.NextRetryAt.UTC().String()
			items[i].NextRetryAt = &s
		}
	}
	Ok(w, listDeliveriesResponse{Items: items, Total: total})
}
