package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// ProtectedRefHandler manages branch-protection rules consulted by the
// commit engine before accepting a commit against a given ref. All routes
// are admin-only.
type ProtectedRefHandler struct {
	repo   repository.ProtectedRefRepository
	logger *zap.Logger
}

// NewProtectedRefHandler creates a new ProtectedRefHandler.
func NewProtectedRefHandler(repo repository.ProtectedRefRepository, logger *zap.Logger) *ProtectedRefHandler {
	return &ProtectedRefHandler{repo: repo, logger: logger.Named("protected_ref_handler")}
}

type protectedRefResponse struct {
	ID                string   `json:"id"`
	RepoID            string   `json:"repo_id"`
	RefName           string   `json:"ref_name"`
	RequireAdmin      bool     `json:"require_admin"`
	AllowFastForward  bool     `json:"allow_fast_forward"`
	AllowDelete       bool     `json:"allow_delete"`
	RequiredChecks    []string `json:"required_checks"`
	RequiredReviewers int      `json:"required_reviewers"`
	RequireSchemaPass bool     `json:"require_schema_pass"`
}

func protectedRefToResponse(rule *db.ProtectedRef) protectedRefResponse {
	var checks []string
	_ = json.Unmarshal([]byte(rule.RequiredChecks), &checks)
	return protectedRefResponse{
		ID:                rule.ID.String(),
		RepoID:            rule.RepoID.String(),
		RefName:           rule.RefName,
		RequireAdmin:      rule.RequireAdmin,
		AllowFastForward:  rule.AllowFastForward,
		AllowDelete:       rule.AllowDelete,
		RequiredChecks:    checks,
		RequiredReviewers: rule.RequiredReviewers,
		RequireSchemaPass: rule.RequireSchemaPass,
	}
}

// List handles GET /api/v1/repos/{id}/protected-refs.
func (h *ProtectedRefHandler) List(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	rules, err := h.repo.List(r.Context(), repoID)
	if err != nil {
		h.logger.Error("failed to list protected refs", zap.String("repo_id", repoID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]protectedRefResponse, len(rules))
	for i := range rules {
		items[i] = protectedRefToResponse(&rules[i])
	}
	Ok(w, items)
}

// createProtectedRefRequest is the JSON body for POST /repos/{id}/protected-refs.
type createProtectedRefRequest struct {
	RefName           string   `json:"ref_name"`
	RequireAdmin      bool     `json:"require_admin"`
	AllowFastForward  *bool    `json:"allow_fast_forward"`
	AllowDelete       bool     `json:"allow_delete"`
	RequiredChecks    []string `json:"required_checks"`
	RequiredReviewers int      `json:"required_reviewers"`
	RequireSchemaPass bool     `json:"require_schema_pass"`
}

// Create handles POST /api/v1/repos/{id}/protected-refs.
func (h *ProtectedRefHandler) Create(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req createProtectedRefRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefName == "" {
		ErrBadRequest(w, "ref_name is required")
		return
	}
	allowFF := true
	if req.AllowFastForward != nil {
		allowFF = *req.AllowFastForward
	}
	checksJSON, err := json.Marshal(req.RequiredChecks)
	if err != nil {
		ErrBadRequest(w, "invalid required_checks")
		return
	}

	rule := &db.ProtectedRef{
		RepoID:            repoID,
		RefName:           req.RefName,
		RequireAdmin:      req.RequireAdmin,
		AllowFastForward:  allowFF,
		AllowDelete:       req.AllowDelete,
		RequiredChecks:    string(checksJSON),
		RequiredReviewers: req.RequiredReviewers,
		RequireSchemaPass: req.RequireSchemaPass,
	}
	if err := h.repo.Create(r.Context(), rule); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, "a protection rule for this ref already exists")
			return
		}
		h.logger.Error("failed to create protected ref", zap.String("repo_id", repoID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, protectedRefToResponse(rule))
}

// GetByRef handles GET /api/v1/repos/{id}/protected-refs/{name}.
func (h *ProtectedRefHandler) GetByRef(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	name := refNameParam(r)
	rule, err := h.repo.GetByRepoAndRef(r.Context(), repoID, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get protected ref", zap.String("repo_id", repoID.String()), zap.String("ref_name", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, protectedRefToResponse(rule))
}

// updateProtectedRefRequest is the JSON body for PATCH on a protected ref.
type updateProtectedRefRequest struct {
	RequireAdmin      *bool    `json:"require_admin"`
	AllowFastForward  *bool    `json:"allow_fast_forward"`
	AllowDelete       *bool    `json:"allow_delete"`
	RequiredChecks    []string `json:"required_checks"`
	RequiredReviewers *int     `json:"required_reviewers"`
	RequireSchemaPass *bool    `json:"require_schema_pass"`
}

// Update handles PATCH /api/v1/repos/{id}/protected-refs/{name}.
func (h *ProtectedRefHandler) Update(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	name := refNameParam(r)
	var req updateProtectedRefRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule, err := h.repo.GetByRepoAndRef(r.Context(), repoID, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get protected ref for update", zap.String("repo_id", repoID.String()), zap.String("ref_name", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.RequireAdmin != nil {
		rule.RequireAdmin = *req.RequireAdmin
	}
	if req.AllowFastForward != nil {
		rule.AllowFastForward = *req.AllowFastForward
	}
	if req.AllowDelete != nil {
		rule.AllowDelete = *req.AllowDelete
	}
	if req.RequiredChecks != nil {
		checksJSON, err := json.Marshal(req.RequiredChecks)
		if err != nil {
			ErrBadRequest(w, "invalid required_checks")
			return
		}
		rule.RequiredChecks = string(checksJSON)
	}
	if req.RequiredReviewers != nil {
		rule.RequiredReviewers = *req.RequiredReviewers
	}
	if req.RequireSchemaPass != nil {
		rule.RequireSchemaPass = *req.RequireSchemaPass
	}

	if err := h.repo.Update(r.Context(), rule); err != nil {
		h.logger.Error("failed to update protected ref", zap.String("repo_id", repoID.String()), zap.String("ref_name", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, protectedRefToResponse(rule))
}

// Delete handles DELETE /api/v1/protected-refs/{id}.
func (h *ProtectedRefHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete protected ref", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
