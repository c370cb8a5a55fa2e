package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// QuotaHandler manages storage/file/commit usage limits enforced by the
// commit engine's quota sub-evaluator. A quota row with UserID nil is the
// repo-wide limit; one with UserID set overrides it for that user. All
// routes are admin-only.
type QuotaHandler struct {
	repo   repository.QuotaRepository
	logger *zap.Logger
}

// NewQuotaHandler creates a new QuotaHandler.
func NewQuotaHandler(repo repository.QuotaRepository, logger *zap.Logger) *QuotaHandler {
	return &QuotaHandler{repo: repo, logger: logger.Named("quota_handler")}
}

type quotaResponse struct {
	ID             string  `json:"id"`
	RepoID         string  `json:"repo_id"`
	UserID         *string `json:"user_id"`
	SoftBytes      uint64  `json:"soft_bytes"`
	HardBytes      uint64  `json:"hard_bytes"`
	SoftFiles      uint64  `json:"soft_files"`
	HardFiles      uint64  `json:"hard_files"`
	CurrentBytes   uint64  `json:"current_bytes"`
	CurrentFiles   uint64  `json:"current_files"`
	CurrentCommits uint64  `json:"current_commits"`
}

func quotaToResponse(q *db.Quota) quotaResponse {
	resp := quotaResponse{
		ID:             q.ID.String(),
		RepoID:         q.RepoID.String(),
		SoftBytes:      q.SoftBytes,
		HardBytes:      q.HardBytes,
		SoftFiles:      q.SoftFiles,
		HardFiles:      q.HardFiles,
		CurrentBytes:   q.CurrentBytes,
		CurrentFiles:   q.CurrentFiles,
		CurrentCommits: q.CurrentCommits,
	}
	if q.UserID != nil {
		s := q.UserID.String()
		resp.UserID = &s
	}
	return resp
}

// GetForRepo handles GET /api/v1/repos/{id}/quota. Returns the repo-wide
// quota (UserID nil), not any per-user override.
func (h *QuotaHandler) GetForRepo(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	quota, err := h.repo.GetForRepo(r.Context(), repoID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get repo quota", zap.String("repo_id", repoID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, quotaToResponse(quota))
}

// GetForUser handles GET /api/v1/repos/{id}/quota/users/{user_id}.
func (h *QuotaHandler) GetForUser(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := parseUUID(w, r, "user_id")
	if !ok {
		return
	}
	quota, err := h.repo.GetForUser(r.Context(), repoID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user quota", zap.String("repo_id", repoID.String()), zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, quotaToResponse(quota))
}

// createQuotaRequest is the JSON body for POST /repos/{id}/quota[/users/{user_id}].
// Current* counters always start at zero — a quota is created before any
// usage accrues against it.
type createQuotaRequest struct {
	SoftBytes uint64 `json:"soft_bytes"`
	HardBytes uint64 `json:"hard_bytes"`
	SoftFiles uint64 `json:"soft_files"`
	HardFiles uint64 `json:"hard_files"`
}

// Create handles POST /api/v1/repos/{id}/quota — the repo-wide quota.
func (h *QuotaHandler) Create(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	h.create(w, r, repoID, nil)
}

// CreateForUser handles POST /api/v1/repos/{id}/quota/users/{user_id} — a
// per-user override of the repo-wide quota.
func (h *QuotaHandler) CreateForUser(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := parseUUID(w, r, "user_id")
	if !ok {
		return
	}
	h.create(w, r, repoID, &userID)
}

func (h *QuotaHandler) create(w http.ResponseWriter, r *http.Request, repoID uuid.UUID, userID *uuid.UUID) {
	var req createQuotaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.HardBytes > 0 && req.SoftBytes > req.HardBytes {
		ErrBadRequest(w, "soft_bytes cannot exceed hard_bytes")
		return
	}
	if req.HardFiles > 0 && req.SoftFiles > req.HardFiles {
		ErrBadRequest(w, "soft_files cannot exceed hard_files")
		return
	}

	quota := &db.Quota{
		RepoID:    repoID,
		UserID:    userID,
		SoftBytes: req.SoftBytes,
		HardBytes: req.HardBytes,
		SoftFiles: req.SoftFiles,
		HardFiles: req.HardFiles,
	}
	if err := h.repo.Create(r.Context(), quota); err != nil {
		h.logger.Error("failed to create quota", zap.String("repo_id", repoID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, quotaToResponse(quota))
}

// updateQuotaRequest is the JSON body for PATCH on a quota limit. Current*
// counters are maintained internally by the commit engine and cannot be set
// here.
type updateQuotaRequest struct {
	SoftBytes *uint64 `json:"soft_bytes"`
	HardBytes *uint64 `json:"hard_bytes"`
	SoftFiles *uint64 `json:"soft_files"`
	HardFiles *uint64 `json:"hard_files"`
}

// Update handles PATCH /api/v1/repos/{id}/quota.
func (h *QuotaHandler) Update(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	quota, err := h.repo.GetForRepo(r.Context(), repoID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get repo quota for update", zap.String("repo_id", repoID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.update(w, r, quota)
}

// UpdateForUser handles PATCH /api/v1/repos/{id}/quota/users/{user_id}.
func (h *QuotaHandler) UpdateForUser(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := parseUUID(w, r, "user_id")
	if !ok {
		return
	}
	quota, err := h.repo.GetForUser(r.Context(), repoID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user quota for update", zap.String("repo_id", repoID.String()), zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.update(w, r, quota)
}

func (h *QuotaHandler) update(w http.ResponseWriter, r *http.Request, quota *db.Quota) {
	var req updateQuotaRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.SoftBytes != nil {
		quota.SoftBytes = *req.SoftBytes
	}
	if req.HardBytes != nil {
		quota.HardBytes = *req.HardBytes
	}
	if req.SoftFiles != nil {
		quota.SoftFiles = *req.SoftFiles
	}
	if req.HardFiles != nil {
		quota.HardFiles = *req.HardFiles
	}
	if quota.HardBytes > 0 && quota.SoftBytes > quota.HardBytes {
		ErrBadRequest(w, "soft_bytes cannot exceed hard_bytes")
		return
	}
	if quota.HardFiles > 0 && quota.SoftFiles > quota.HardFiles {
		ErrBadRequest(w, "soft_files cannot exceed hard_files")
		return
	}

	if err := h.repo.Update(r.Context(), quota); err != nil {
		h.logger.Error("failed to update quota", zap.String("id", quota.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, quotaToResponse(quota))
}

// Delete handles DELETE /api/v1/quotas/{id}.
func (h *QuotaHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete quota", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
