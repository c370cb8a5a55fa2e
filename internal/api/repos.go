package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// RepoHandler groups handlers over the top-level Repository resource and its
// refs — everything that is not itself a commit-engine operation (those live
// in CommitHandler).
type RepoHandler struct {
	repos  repository.RepoRepository
	refs   repository.RefRepository
	logger *zap.Logger
}

// NewRepoHandler creates a new RepoHandler.
func NewRepoHandler(repos repository.RepoRepository, refs repository.RefRepository, logger *zap.Logger) *RepoHandler {
	return &RepoHandler{repos: repos, refs: refs, logger: logger.Named("repo_handler")}
}

// repoResponse is the JSON representation of a Repository.
type repoResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	TombstoneDays  int    `json:"tombstone_days"`
	HardDeleteDays int    `json:"hard_delete_days"`
	LegalHold      bool   `json:"legal_hold"`
	CreatedAt      string `json:"created_at"`
}

func repoToResponse(r *db.Repository) repoResponse {
	return repoResponse{
		ID:             r.ID.String(),
		Name:           r.Name,
		TombstoneDays:  r.TombstoneDays,
		HardDeleteDays: r.HardDeleteDays,
		LegalHold:      r.LegalHold,
		CreatedAt:      r.CreatedAt.UTC().String(),
	}
}

type listReposResponse struct {
	Items []repoResponse `json:"items"`
	Total int64          `json:"total"`
}

// List handles GET /api/v1/repos.
func (h *RepoHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	repos, total, err := h.repos.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list repos", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]repoResponse, len(repos))
	for i := range repos {
		items[i] = repoToResponse(&repos[i])
	}
	Ok(w, listReposResponse{Items: items, Total: total})
}

// createRepoRequest is the JSON body expected by POST /api/v1/repos.
// TombstoneDays/HardDeleteDays default to the db schema's defaults (30/90)
// when omitted or non-positive.
type createRepoRequest struct {
	Name           string `json:"name"`
	TombstoneDays  int    `json:"tombstone_days"`
	HardDeleteDays int    `json:"hard_delete_days"`
}

// Create handles POST /api/v1/repos.
func (h *RepoHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if req.TombstoneDays <= 0 {
		req.TombstoneDays = 30
	}
	if req.HardDeleteDays <= 0 {
		req.HardDeleteDays = 90
	}

	repo := &db.Repository{
		Name:           req.Name,
		TombstoneDays:  req.TombstoneDays,
		HardDeleteDays: req.HardDeleteDays,
	}
	if err := h.repos.Create(r.Context(), repo); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, "a repo with this name already exists")
			return
		}
		h.logger.Error("failed to create repo", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, repoToResponse(repo))
}

// GetByID handles GET /api/v1/repos/{id}.
func (h *RepoHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	repo, err := h.repos.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get repo", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, repoToResponse(repo))
}

// updateRepoRequest is the JSON body for PATCH /api/v1/repos/{id}.
type updateRepoRequest struct {
	TombstoneDays  *int  `json:"tombstone_days"`
	HardDeleteDays *int  `json:"hard_delete_days"`
	LegalHold      *bool `json:"legal_hold"`
}

// Update handles PATCH /api/v1/repos/{id}. LegalHold is the only field a
// retention sweep pays attention to mid-flight — setting it true pulls the
// repo out of the next sweep's eligible set immediately.
func (h *RepoHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateRepoRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	repo, err := h.repos.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get repo for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.TombstoneDays != nil {
		repo.TombstoneDays = *req.TombstoneDays
	}
	if req.HardDeleteDays != nil {
		repo.HardDeleteDays = *req.HardDeleteDays
	}
	if req.LegalHold != nil {
		repo.LegalHold = *req.LegalHold
	}

	if err := h.repos.Update(r.Context(), repo); err != nil {
		h.logger.Error("failed to update repo", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, repoToResponse(repo))
}

// Delete handles DELETE /api/v1/repos/{id}. The delete is rejected with 409
// Conflict while any of the repo's refs still points at a commit;
// RepoRepository.Delete itself checks nothing.
func (h *RepoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	refs, err := h.refs.List(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list refs for repo delete", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	for _, ref := range refs {
		if ref.CommitID != nil {
			ErrConflict(w, "repo is not empty")
			return
		}
	}
	if err := h.repos.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete repo", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// -----------------------------------------------------------------------------
// Refs
// -----------------------------------------------------------------------------

type refResponse struct {
	Name     string  `json:"name"`
	CommitID *string `json:"commit_id"`
}

func refToResponse(ref *db.Ref) refResponse {
	resp := refResponse{Name: ref.Name}
	if ref.CommitID != nil {
		s := ref.CommitID.String()
		resp.CommitID = &s
	}
	return resp
}

// ListRefs handles GET /api/v1/repos/{id}/refs.
func (h *RepoHandler) ListRefs(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	refs, err := h.refs.List(r.Context(), repoID)
	if err != nil {
		h.logger.Error("failed to list refs", zap.String("repo_id", repoID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]refResponse, len(refs))
	for i := range refs {
		items[i] = refToResponse(&refs[i])
	}
	Ok(w, items)
}

// DeleteRef handles DELETE /api/v1/repos/{id}/refs/{name}.
func (h *RepoHandler) DeleteRef(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	name := refNameParam(r)
	if err := h.refs.Delete(r.Context(), repoID, name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete ref", zap.String("repo_id", repoID.String()), zap.String("name", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
