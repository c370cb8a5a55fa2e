package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/commit"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// fullReindexBatchSize caps how many index_entry jobs a single full_reindex
// run fans out in one pass of the tree, so a repo with a huge tree doesn't
// hold the worker slot building one giant in-memory batch.
const fullReindexBatchSize = 500

type fullReindexPayload struct {
	RepoID   string `json:"repo_id"`
	CommitID string `json:"commit_id"`
}

// FullReindexHandler walks a commit's resolved tree and re-enqueues an
// index_entry job for every live entry, used to rebuild the search sink
// after a sink-side rebuild or a schema change (spec §4.5).
type FullReindexHandler struct {
	commits  repository.CommitRepository
	entries  repository.EntryRepository
	enqueuer Enqueuer
	logger   *zap.Logger
}

func NewFullReindexHandler(commits repository.CommitRepository, entries repository.EntryRepository, enqueuer Enqueuer, logger *zap.Logger) *FullReindexHandler {
	return &FullReindexHandler{commits: commits, entries: entries, enqueuer: enqueuer, logger: logger.Named("full_reindex")}
}

func (h *FullReindexHandler) Handle(ctx context.Context, idempotencyKey string, payload []byte) Result {
	var p fullReindexPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("full_reindex: unmarshal payload: %w", err))
	}

	repoID, err := uuid.Parse(p.RepoID)
	if err != nil {
		return Permanent(fmt.Errorf("full_reindex: invalid repo id %q: %w", p.RepoID, err))
	}
	commitID, err := uuid.Parse(p.CommitID)
	if err != nil {
		return Permanent(fmt.Errorf("full_reindex: invalid commit id %q: %w", p.CommitID, err))
	}

	tree, err := commit.ResolveTree(ctx, h.commits, h.entries, commitID, "")
	if err != nil {
		return Retryable(fmt.Errorf("full_reindex: resolve tree: %w", err))
	}

	enqueued := 0
	for _, entry := range tree {
		sub := indexEntryPayload{
			RepoID:   p.RepoID,
			CommitID: p.CommitID,
			Path:     entry.Path,
			Op:       "put",
		}
		idemp := fmt.Sprintf("%s:%s:%s", idempotencyKey, p.CommitID, entry.Path)
		if _, err := h.enqueuer.Enqueue(ctx, ClassIndexEntry, repoID, sub, idemp); err != nil {
			return Retryable(fmt.Errorf("full_reindex: enqueue index_entry for %s: %w", entry.Path, err))
		}
		enqueued++
		if enqueued%fullReindexBatchSize == 0 {
			h.logger.Info("full reindex progress", zap.String("commit_id", p.CommitID), zap.Int("enqueued", enqueued))
		}
	}

	h.logger.Info("full reindex complete", zap.String("commit_id", p.CommitID), zap.Int("enqueued", enqueued))
	return Succeeded()
}
