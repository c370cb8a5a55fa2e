package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/apperr"
	"github.com/blacklake-io/blacklake/internal/objectstore"
	"github.com/blacklake-io/blacklake/internal/repository"
)

type antivirusPayload struct {
	Digest string `json:"digest"`
}

// AntivirusHandler scans a blob's bytes and quarantines every entry row that
// references the digest when the verdict comes back infected — a digest is
// content-addressed and may be reachable from several (commit, path) entries
// across repos, so one scan result masks all of them, per spec §4.5.
type AntivirusHandler struct {
	store   ObjectStore
	entries repository.EntryRepository
	scanner AntivirusScanner
	logger  *zap.Logger
}

func NewAntivirusHandler(store ObjectStore, entries repository.EntryRepository, scanner AntivirusScanner, logger *zap.Logger) *AntivirusHandler {
	return &AntivirusHandler{store: store, entries: entries, scanner: scanner, logger: logger.Named("antivirus")}
}

func (h *AntivirusHandler) Handle(ctx context.Context, idempotencyKey string, payload []byte) Result {
	var p antivirusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("antivirus: unmarshal payload: %w", err))
	}

	data, err := h.store.Get(ctx, objectstore.BlobKey(p.Digest))
	if err != nil {
		if apperr.IsNotFound(err) {
			return Permanent(fmt.Errorf("antivirus: blob %s not found: %w", p.Digest, err))
		}
		return Retryable(fmt.Errorf("antivirus: fetch blob: %w", err))
	}

	verdict, err := h.scanner.Scan(ctx, data)
	if err != nil {
		return Retryable(fmt.Errorf("antivirus: scan: %w", err))
	}

	if verdict != VerdictInfected {
		return Succeeded()
	}

	h.logger.Warn("infected blob detected", zap.String("digest", p.Digest))

	referencing, err := h.entries.ListByDigest(ctx, p.Digest)
	if err != nil {
		return Retryable(fmt.Errorf("antivirus: list entries for digest: %w", err))
	}

	for _, entry := range referencing {
		if err := h.entries.SetQuarantined(ctx, entry.ID, true); err != nil {
			return Retryable(fmt.Errorf("antivirus: quarantine entry %s: %w", entry.ID, err))
		}
	}

	return Succeeded()
}
