package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/apperr"
	"github.com/blacklake-io/blacklake/internal/commit"
	"github.com/blacklake-io/blacklake/pkg/types"
)

// CommitHandler exposes the C4 commit engine's five operations over HTTP.
// It is a thin translation layer: every method parses the request, calls
// straight into *commit.Engine, and maps the result (or apperr.Kind) to a
// response — no business logic lives here.
type CommitHandler struct {
	engine *commit.Engine
	logger *zap.Logger
}

// NewCommitHandler creates a new CommitHandler.
func NewCommitHandler(engine *commit.Engine, logger *zap.Logger) *CommitHandler {
	return &CommitHandler{engine: engine, logger: logger.Named("commit_handler")}
}

// refNameParam reads the "name" path parameter, used wherever a ref name
// (which may itself contain slashes, e.g. "heads/main") follows the repo id
// in the route. Routes declare this segment as the chi regex parameter
// {name:.*} rather than a trailing wildcard, since a wildcard cannot be
// followed by further path segments (e.g. "/commits").
func refNameParam(r *http.Request) string {
	return chi.URLParam(r, "name")
}

// uploadInitRequest is the JSON body for POST /repos/{id}/upload-init.
type uploadInitRequest struct {
	Digest      string `json:"digest"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

type uploadInitResponse struct {
	UploadURL string `json:"upload_url"`
	BlobKey   string `json:"blob_key"`
	ExpiresAt string `json:"expires_at"`
}

// UploadInit handles POST /api/v1/repos/{id}/upload-init.
func (h *CommitHandler) UploadInit(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req uploadInitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Digest == "" || req.Size <= 0 {
		ErrBadRequest(w, "digest and a positive size are required")
		return
	}

	result, err := h.engine.UploadInit(r.Context(), subjectFromCtx(r.Context()), repoID, req.Digest, req.Size, req.ContentType)
	if err != nil {
		h.logError("upload_init", repoID, err)
		ErrFromKind(w, err)
		return
	}
	Ok(w, uploadInitResponse{
		UploadURL: result.UploadURL,
		BlobKey:   result.BlobKey,
		ExpiresAt: result.ExpiresAt.UTC().String(),
	})
}

// commitChangeRequest mirrors types.Change for JSON decoding.
type commitChangeRequest struct {
	Op       string         `json:"op"`
	Path     string         `json:"path"`
	Digest   string         `json:"digest,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// createCommitRequest is the JSON body for POST /repos/{id}/refs/{name}/commits.
type createCommitRequest struct {
	ExpectedParent string                `json:"expected_parent,omitempty"`
	Message        string                `json:"message"`
	Changes        []commitChangeRequest `json:"changes"`
}

type commitResponse struct {
	CommitID string `json:"commit_id"`
}

// CreateCommit handles POST /api/v1/repos/{id}/refs/{name}/commits.
func (h *CommitHandler) CreateCommit(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	refName := refNameParam(r)

	var req createCommitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		ErrBadRequest(w, "message is required")
		return
	}
	if len(req.Changes) == 0 {
		ErrBadRequest(w, "changes must contain at least one entry")
		return
	}

	var expectedParent *uuid.UUID
	if req.ExpectedParent != "" {
		id, err := parseUUIDString(req.ExpectedParent)
		if err != nil {
			ErrBadRequest(w, "expected_parent must be a valid UUID")
			return
		}
		expectedParent = &id
	}

	changes := make([]types.Change, len(req.Changes))
	for i, c := range req.Changes {
		op := types.ChangeOp(c.Op)
		switch op {
		case types.ChangeOpPut, types.ChangeOpMeta, types.ChangeOpDelete:
		default:
			ErrBadRequest(w, fmt.Sprintf("changes[%d].op must be one of put, meta, delete", i))
			return
		}
		changes[i] = types.Change{Op: op, Path: c.Path, Digest: c.Digest, Metadata: c.Metadata}
	}

	result, err := h.engine.Commit(r.Context(), subjectFromCtx(r.Context()), repoID, refName, expectedParent, req.Message, changes)
	if err != nil {
		h.logError("commit", repoID, err)
		ErrFromKind(w, err)
		return
	}
	Created(w, commitResponse{CommitID: result.CommitID.String()})
}

type treeEntryResponse struct {
	Path       string `json:"path"`
	BlobDigest string `json:"blob_digest"`
	Metadata   string `json:"metadata"`
}

// GetTree handles GET /api/v1/repos/{id}/refs/{name}/tree.
func (h *CommitHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	refName := refNameParam(r)
	prefix := r.URL.Query().Get("prefix")

	entries, err := h.engine.GetTree(r.Context(), subjectFromCtx(r.Context()), repoID, refName, prefix)
	if err != nil {
		h.logError("get_tree", repoID, err)
		ErrFromKind(w, err)
		return
	}

	items := make([]treeEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = treeEntryResponse{Path: e.Path, BlobDigest: e.BlobDigest, Metadata: e.Metadata}
	}
	Ok(w, items)
}

// GetBlobURL handles GET /api/v1/repos/{id}/refs/{name}/blob.
func (h *CommitHandler) GetBlobURL(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	refName := refNameParam(r)
	path := r.URL.Query().Get("path")
	if path == "" {
		ErrBadRequest(w, "path query parameter is required")
		return
	}

	url, err := h.engine.GetBlobURL(r.Context(), subjectFromCtx(r.Context()), repoID, refName, path)
	if err != nil {
		h.logError("get_blob_url", repoID, err)
		ErrFromKind(w, err)
		return
	}
	Ok(w, map[string]string{"url": url})
}

// mergeMetadataRequest is the JSON body for PATCH .../metadata.
type mergeMetadataRequest struct {
	Path  string         `json:"path"`
	Patch map[string]any `json:"patch"`
}

// MergeMetadata handles PATCH /api/v1/repos/{id}/refs/{name}/metadata.
func (h *CommitHandler) MergeMetadata(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	refName := refNameParam(r)

	var req mergeMetadataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		ErrBadRequest(w, "path is required")
		return
	}

	result, err := h.engine.MergeMetadata(r.Context(), subjectFromCtx(r.Context()), repoID, refName, req.Path, req.Patch)
	if err != nil {
		h.logError("merge_metadata", repoID, err)
		ErrFromKind(w, err)
		return
	}
	Ok(w, commitResponse{CommitID: result.CommitID.String()})
}

// logError logs everything except the expected client-facing outcomes
// (policy denial, validation, conflict, not found, quota) — those are normal
// traffic, not operational problems.
func (h *CommitHandler) logError(op string, repoID uuid.UUID, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindPolicyDenied, apperr.KindValidation, apperr.KindConflict, apperr.KindNotFound, apperr.KindQuotaExceeded:
		return
	}
	h.logger.Error("commit engine op failed", zap.String("op", op), zap.String("repo_id", repoID.String()), zap.Error(err))
}
