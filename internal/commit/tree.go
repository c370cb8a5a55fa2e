// Package commit implements the commit engine (spec C4): upload_init,
// commit, get_tree, get_blob_url, and merge_metadata, orchestrating the
// object store, metadata index, policy evaluator, and job pipeline behind
// a single transactional boundary per commit.
package commit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// TreeEntry is a resolved (path -> live entry) row after overlaying a
// commit's own changes on top of its ancestors.
type TreeEntry struct {
	Path       string
	BlobDigest string
	Metadata   string
	Deleted    bool
}

// ResolveTree exposes resolveTree's ancestor-overlay resolution to callers
// outside this package (the export and full_reindex job handlers), so they
// walk the same tree the commit engine itself would hand back from
// get_tree rather than re-deriving it.
func ResolveTree(ctx context.Context, commits repository.CommitRepository, entries repository.EntryRepository, headCommit uuid.UUID, pathPrefix string) ([]TreeEntry, error) {
	return resolveTree(ctx, commits, entries, headCommit, pathPrefix)
}

// resolveTree walks history from headCommit back through ParentID
// pointers, overlaying each commit's own entries onto the accumulated
// tree — a later (closer to head) commit's entry for a path always wins,
// since entries are copy-forward-by-reference, not copy-forward-by-row
// (spec §4.4 step 5, §9 overlay note). Deleted entries are excluded from
// the result tree but still occupy the path (blocking an ancestor's entry
// for that path from resurfacing).
func resolveTree(ctx context.Context, commits repository.CommitRepository, entries repository.EntryRepository, headCommit uuid.UUID, pathPrefix string) ([]TreeEntry, error) {
	history, err := commits.History(ctx, headCommit, 500)
	if err != nil {
		return nil, fmt.Errorf("commit: resolve tree: history: %w", err)
	}

	seen := make(map[string]bool)
	var out []TreeEntry

	for _, c := range history {
		rows, err := entries.ListForCommit(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("commit: resolve tree: list for commit %s: %w", c.ID, err)
		}
		for _, e := range rows {
			if seen[e.Path] {
				continue
			}
			seen[e.Path] = true
			if pathPrefix != "" && !hasPrefix(e.Path, pathPrefix) {
				continue
			}
			if e.Deleted || e.Quarantined || e.Tombstoned {
				continue
			}
			out = append(out, TreeEntry{Path: e.Path, BlobDigest: e.BlobDigest, Metadata: e.Metadata})
		}
	}
	return out, nil
}

// resolveEntryAtCommit finds the live entry for path as of headCommit,
// walking ancestors the same way resolveTree does, but stopping at the
// first match instead of materializing the whole tree.
func resolveEntryAtCommit(ctx context.Context, commits repository.CommitRepository, entries repository.EntryRepository, headCommit uuid.UUID, path string) (*db.Entry, error) {
	history, err := commits.History(ctx, headCommit, 500)
	if err != nil {
		return nil, fmt.Errorf("commit: resolve entry: history: %w", err)
	}
	for _, c := range history {
		e, err := entries.GetAtCommit(ctx, c.ID, path)
		if err == nil {
			return e, nil
		}
		if err != repository.ErrNotFound {
			return nil, fmt.Errorf("commit: resolve entry: get at commit %s: %w", c.ID, err)
		}
	}
	return nil, repository.ErrNotFound
}

func hasPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}
