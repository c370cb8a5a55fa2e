package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/apperr"
	"github.com/blacklake-io/blacklake/internal/objectstore"
)

// sampleEligibleExt is the set of sample-eligible extensions per spec
// §4.5 ("entry put with sample-eligible type") — tabular and JSON data get
// a head-N-rows sample; no other formats (model weights included) are
// sampled.
var sampleEligibleExt = map[string]bool{
	".csv":  true,
	".tsv":  true,
	".json": true,
	".jsonl": true,
	".parquet": true,
}

const (
	sampleMaxRows  = 100
	sampleMaxBytes = 64 * 1024
)

type samplingPayload struct {
	Digest string `json:"digest"`
	Path   string `json:"path"`
}

// SamplingHandler fetches a sample-eligible blob and writes a size-bounded
// preview to the object store, keyed by blob digest (at-most-one-effect:
// re-running for the same digest just overwrites the same sample key).
type SamplingHandler struct {
	store  ObjectStore
	logger *zap.Logger
}

func NewSamplingHandler(store ObjectStore, logger *zap.Logger) *SamplingHandler {
	return &SamplingHandler{store: store, logger: logger.Named("sampling")}
}

func (h *SamplingHandler) Handle(ctx context.Context, idempotencyKey string, payload []byte) Result {
	var p samplingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("sampling: unmarshal payload: %w", err))
	}

	if !sampleEligible(p.Path) {
		return Succeeded()
	}

	data, err := h.store.Get(ctx, objectstore.BlobKey(p.Digest))
	if err != nil {
		if apperr.IsNotFound(err) {
			return Permanent(fmt.Errorf("sampling: blob %s not found: %w", p.Digest, err))
		}
		return Retryable(fmt.Errorf("sampling: fetch blob: %w", err))
	}

	sample := headSample(data)
	if err := h.store.Put(ctx, objectstore.SampleKey(p.Digest), "application/octet-stream", sample); err != nil {
		return Retryable(fmt.Errorf("sampling: write sample: %w", err))
	}
	return Succeeded()
}

func sampleEligible(path string) bool {
	return sampleEligibleExt[strings.ToLower(filepath.Ext(path))]
}

// headSample returns at most sampleMaxRows newline-delimited records, capped
// at sampleMaxBytes total — a size-bounded preview regardless of the
// source file's actual size (spec §4.5's "head-N-rows for tabular" note).
func headSample(data []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	rows := 0
	for rows < sampleMaxRows && out.Len() < sampleMaxBytes && scanner.Scan() {
		out.Write(scanner.Bytes())
		out.WriteByte('\n')
		rows++
	}
	if out.Len() == 0 && len(data) > 0 {
		// Binary/non-line-oriented content: fall back to a raw byte prefix.
		n := len(data)
		if n > sampleMaxBytes {
			n = sampleMaxBytes
		}
		out.Write(data[:n])
	}
	return out.Bytes()
}
