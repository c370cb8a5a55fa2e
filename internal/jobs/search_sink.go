package jobs

import (
	"context"

	"go.uber.org/zap"
)

// SearchDocument is the indexing document shape index_entry upserts into
// the search sink, keyed by (commit, path) per spec §4.5.
type SearchDocument struct {
	RepoID     string         `json:"repo_id"`
	CommitID   string         `json:"commit_id"`
	Path       string         `json:"path"`
	BlobDigest string         `json:"blob_digest"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchSink is the indexing sink index_entry projects documents into. The
// query layer itself (Solr in production) is out of scope per spec §1 —
// only this interface is specified; callers wire in a real Solr/OpenSearch
// client, or the logging stub below for environments without one.
type SearchSink interface {
	Upsert(ctx context.Context, doc SearchDocument) error
	Tombstone(ctx context.Context, repoID, commitID, path string) error
}

// LoggingSearchSink discards documents after logging them. It satisfies
// SearchSink for deployments that have not wired a real query layer yet —
// index_entry jobs still succeed and the pipeline's at-most-one-execution
// guarantee still holds, they just have nowhere external to land.
type LoggingSearchSink struct {
	logger *zap.Logger
}

// NewLoggingSearchSink returns a SearchSink that only logs.
func NewLoggingSearchSink(logger *zap.Logger) *LoggingSearchSink {
	return &LoggingSearchSink{logger: logger.Named("search_sink")}
}

func (s *LoggingSearchSink) Upsert(ctx context.Context, doc SearchDocument) error {
	s.logger.Debug("upsert", zap.String("commit_id", doc.CommitID), zap.String("path", doc.Path))
	return nil
}

func (s *LoggingSearchSink) Tombstone(ctx context.Context, repoID, commitID, path string) error {
	s.logger.Debug("tombstone", zap.String("commit_id", commitID), zap.String("path", path))
	return nil
}
