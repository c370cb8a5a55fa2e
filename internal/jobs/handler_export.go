package jobs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/commit"
	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/objectstore"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// exportURLTTL is how long the presigned GET handed back in the export
// record stays valid, per spec §4.5's "export: ... presigned URL + expiry".
const exportURLTTL = 24 * time.Hour

type exportPayload struct {
	RepoID   string `json:"repo_id"`
	CommitID string `json:"commit_id"`
}

// ExportHandler assembles a gzip tarball of a commit's live entries and
// uploads it as a derived blob, recording a presigned-URL/expiry pair for
// later retrieval. Export jobs are single-attempt (spec §4.5's job-class
// table) — a failed export is resubmitted as a new job, not retried in
// place, since a half-written tarball should never be handed back as if
// complete.
type ExportHandler struct {
	commits repository.CommitRepository
	entries repository.EntryRepository
	records repository.ExportRecordRepository
	store   ObjectStore
	logger  *zap.Logger
}

func NewExportHandler(commits repository.CommitRepository, entries repository.EntryRepository, records repository.ExportRecordRepository, store ObjectStore, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{commits: commits, entries: entries, records: records, store: store, logger: logger.Named("export")}
}

func (h *ExportHandler) Handle(ctx context.Context, idempotencyKey string, payload []byte) Result {
	var p exportPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("export: unmarshal payload: %w", err))
	}

	repoID, err := uuid.Parse(p.RepoID)
	if err != nil {
		return Permanent(fmt.Errorf("export: invalid repo id %q: %w", p.RepoID, err))
	}
	commitID, err := uuid.Parse(p.CommitID)
	if err != nil {
		return Permanent(fmt.Errorf("export: invalid commit id %q: %w", p.CommitID, err))
	}

	tree, err := commit.ResolveTree(ctx, h.commits, h.entries, commitID, "")
	if err != nil {
		return Retryable(fmt.Errorf("export: resolve tree: %w", err))
	}

	archive, err := h.buildTarball(ctx, tree)
	if err != nil {
		return Retryable(fmt.Errorf("export: build tarball: %w", err))
	}

	exportID := uuid.New()
	key := objectstore.ExportKey(exportID.String())
	if err := h.store.Put(ctx, key, "application/gzip", archive); err != nil {
		return Retryable(fmt.Errorf("export: upload tarball: %w", err))
	}

	url, err := h.store.PresignGet(ctx, key, exportURLTTL)
	if err != nil {
		return Retryable(fmt.Errorf("export: presign download url: %w", err))
	}

	jobID, err := idempotencyKeyToJobID(idempotencyKey)
	if err != nil {
		return Permanent(fmt.Errorf("export: %w", err))
	}

	record := &db.ExportRecord{
		RepoID:    repoID,
		CommitID:  commitID,
		JobID:     jobID,
		ObjectKey: key,
		URL:       url,
		ExpiresAt: time.Now().Add(exportURLTTL),
	}
	if err := h.records.Create(ctx, record); err != nil {
		return Retryable(fmt.Errorf("export: persist record: %w", err))
	}

	return Succeeded()
}

// buildTarball streams every live (non-deleted) entry's blob bytes into a
// single gzip-compressed tar archive, one entry per path.
func (h *ExportHandler) buildTarball(ctx context.Context, tree []commit.TreeEntry) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, entry := range tree {
		if entry.Deleted || entry.BlobDigest == "" {
			continue
		}
		data, err := h.store.Get(ctx, objectstore.BlobKey(entry.BlobDigest))
		if err != nil {
			return nil, fmt.Errorf("fetch blob for %s: %w", entry.Path, err)
		}
		hdr := &tar.Header{
			Name: entry.Path,
			Mode: 0644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header for %s: %w", entry.Path, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write tar body for %s: %w", entry.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// idempotencyKeyToJobID recovers the export's correlation id from its
// idempotency key. The API layer that enqueues an export job mints a uuid
// up front and passes it as both the idempotency key and the id a client
// polls for the finished export, since the pipeline's own job row id isn't
// known to the caller until after Enqueue returns.
func idempotencyKeyToJobID(idempotencyKey string) (uuid.UUID, error) {
	id, err := uuid.Parse(idempotencyKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("idempotency key %q is not an export id: %w", idempotencyKey, err)
	}
	return id, nil
}
