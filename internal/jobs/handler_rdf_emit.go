package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/objectstore"
)

type rdfEmitPayload struct {
	CommitID string `json:"commit_id"`
	Path     string `json:"path"`
	Digest   string `json:"digest"`
}

// RDFEmitHandler renders an entry's metadata document into JSON-LD and
// Turtle (spec §4.5's "minimum" serialization pair) and stores both as
// derived blobs keyed by the entry's blob digest. Metadata is passed
// in-payload rather than re-fetched, since the entry row it came from may
// already have been overwritten by a later commit by the time this job
// runs — the job captures the change-set's metadata at enqueue time.
type RDFEmitHandler struct {
	store  ObjectStore
	logger *zap.Logger
}

func NewRDFEmitHandler(store ObjectStore, logger *zap.Logger) *RDFEmitHandler {
	return &RDFEmitHandler{store: store, logger: logger.Named("rdf_emit")}
}

// rdfEmitMetadataPayload is the superset payload shape the commit engine
// enqueues (metadata embedded alongside commit/path/digest); kept
// separate from rdfEmitPayload so a metadata-less payload still decodes.
type rdfEmitMetadataPayload struct {
	rdfEmitPayload
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *RDFEmitHandler) Handle(ctx context.Context, idempotencyKey string, payload []byte) Result {
	var p rdfEmitMetadataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("rdf_emit: unmarshal payload: %w", err))
	}

	subject := fmt.Sprintf("urn:blacklake:entry:%s:%s", p.CommitID, p.Path)

	jsonld := renderJSONLD(subject, p.Metadata)
	if err := h.store.Put(ctx, objectstore.RDFKey(p.Digest, "jsonld"), "application/ld+json", jsonld); err != nil {
		return Retryable(fmt.Errorf("rdf_emit: write jsonld: %w", err))
	}

	turtle := renderTurtle(subject, p.Metadata)
	if err := h.store.Put(ctx, objectstore.RDFKey(p.Digest, "ttl"), "text/turtle", turtle); err != nil {
		return Retryable(fmt.Errorf("rdf_emit: write turtle: %w", err))
	}

	return Succeeded()
}

func renderJSONLD(subject string, metadata map[string]any) []byte {
	doc := map[string]any{
		"@context": "https://schema.org/",
		"@id":      subject,
	}
	for k, v := range metadata {
		doc[k] = v
	}
	out, _ := json.MarshalIndent(doc, "", "  ")
	return out
}

func renderTurtle(subject string, metadata map[string]any) []byte {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "<%s>\n", subject)
	for i, k := range keys {
		sep := " ;"
		if i == len(keys)-1 {
			sep = " ."
		}
		fmt.Fprintf(&b, "  blacklake:%s %s%s\n", k, turtleLiteral(metadata[k]), sep)
	}
	if len(keys) == 0 {
		b.WriteString("  a blacklake:Entry .\n")
	}
	return []byte(b.String())
}

func turtleLiteral(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool, float64, int, int64:
		return fmt.Sprintf("%v", val)
	default:
		b, _ := json.Marshal(val)
		return fmt.Sprintf("%q", string(b))
	}
}
