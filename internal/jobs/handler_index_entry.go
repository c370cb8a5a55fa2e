package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/apperr"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// indexEntryPayload mirrors the fields internal/commit's engine enqueues
// for every put/meta/delete change (spec §4.5, "every entry put/meta/delete").
type indexEntryPayload struct {
	RepoID   string `json:"repo_id"`
	CommitID string `json:"commit_id"`
	Path     string `json:"path"`
	Op       string `json:"op"`
}

// IndexEntryHandler projects an entry's current state into the search sink,
// keyed by (commit, path). A delete change produces a tombstone upsert
// instead of a document.
type IndexEntryHandler struct {
	entries repository.EntryRepository
	sink    SearchSink
	logger  *zap.Logger
}

func NewIndexEntryHandler(entries repository.EntryRepository, sink SearchSink, logger *zap.Logger) *IndexEntryHandler {
	return &IndexEntryHandler{entries: entries, sink: sink, logger: logger.Named("index_entry")}
}

func (h *IndexEntryHandler) Handle(ctx context.Context, idempotencyKey string, payload []byte) Result {
	var p indexEntryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("index_entry: unmarshal payload: %w", err))
	}

	commitID, err := uuid.Parse(p.CommitID)
	if err != nil {
		return Permanent(fmt.Errorf("index_entry: invalid commit id %q: %w", p.CommitID, err))
	}

	if p.Op == "delete" {
		if err := h.sink.Tombstone(ctx, p.RepoID, p.CommitID, p.Path); err != nil {
			return classifySinkErr(err)
		}
		return Succeeded()
	}

	entry, err := h.entries.GetAtCommit(ctx, commitID, p.Path)
	if err != nil {
		if err == repository.ErrNotFound {
			// The commit that enqueued this job was superseded before the
			// job ran and no longer owns this path's entry row — nothing
			// to index.
			return Succeeded()
		}
		return Retryable(fmt.Errorf("index_entry: load entry: %w", err))
	}

	var metadata map[string]any
	if entry.Metadata != "" {
		if err := json.Unmarshal([]byte(entry.Metadata), &metadata); err != nil {
			return Permanent(fmt.Errorf("index_entry: unmarshal entry metadata: %w", err))
		}
	}

	doc := SearchDocument{
		RepoID:     p.RepoID,
		CommitID:   p.CommitID,
		Path:       p.Path,
		BlobDigest: entry.BlobDigest,
		Metadata:   metadata,
	}
	if err := h.sink.Upsert(ctx, doc); err != nil {
		return classifySinkErr(err)
	}
	return Succeeded()
}

func classifySinkErr(err error) Result {
	if apperr.IsTransient(err) {
		return Retryable(err)
	}
	return Retryable(err) // search sinks rarely fail permanently; default to retry
}
