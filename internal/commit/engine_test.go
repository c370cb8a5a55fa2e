package commit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/blacklake-io/blacklake/internal/apperr"
	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/jobs"
	"github.com/blacklake-io/blacklake/internal/objectstore"
	"github.com/blacklake-io/blacklake/internal/repository"
	"github.com/blacklake-io/blacklake/pkg/types"
)

// fakeStore is an in-memory ObjectStore: commits only ever Head a blob to
// confirm it was uploaded, so PresignPut/PresignGet just hand back the key.
type fakeStore struct {
	mu    sync.Mutex
	sizes map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{sizes: make(map[string]int64)}
}

func (f *fakeStore) put(digest string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes[objectstore.BlobKey(digest)] = size
}

func (f *fakeStore) PresignPut(ctx context.Context, key string, size int64, contentType string, ttl time.Duration) (string, error) {
	return "https://fake-store.local/put/" + key, nil
}

func (f *fakeStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://fake-store.local/get/" + key, nil
}

func (f *fakeStore) Head(ctx context.Context, key string) (*objectstore.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.sizes[key]
	if !ok {
		return nil, apperr.NotFound
	}
	return &objectstore.Metadata{SizeBytes: size}, nil
}

// allowAllEvaluator always allows, so commit tests can focus on their own
// concern (quota, branch protection, merge semantics) without also having to
// author policy rows.
type allowAllEvaluator struct{ deny bool }

func (e *allowAllEvaluator) Evaluate(ctx context.Context, req types.Request, policies []db.Policy) (types.Decision, error) {
	if e.deny {
		return types.Decision{Effect: types.EffectDeny, Reason: "test denies all"}, nil
	}
	return types.Decision{Effect: types.EffectAllow}, nil
}

// noopEnqueuer swallows every enqueue, satisfying JobEnqueuer without a
// database-backed job pipeline.
type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(ctx context.Context, class jobs.Class, repoID uuid.UUID, payload any, idempotencyKey string) (uuid.UUID, error) {
	return uuid.New(), nil
}

type testEngine struct {
	engine *Engine
	store  *fakeStore
	repoID uuid.UUID
}

func newTestEngine(t *testing.T, deny bool) *testEngine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop(), LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	store := newFakeStore()
	repoID := uuid.New()
	repoRepo := repository.NewRepoRepository(gdb)
	if err := repoRepo.Create(context.Background(), &db.Repository{Name: "widgets"}); err != nil {
		t.Fatalf("create repo: %v", err)
	}

	eng := New(Deps{
		DB:        gdb,
		Breaker:   db.NewBreaker("test", zap.NewNop()),
		Store:     store,
		Policies:  repository.NewPolicyRepository(gdb),
		Protected: repository.NewProtectedRefRepository(gdb),
		Checks:    repository.NewCheckResultRepository(gdb),
		Repos:     repoRepo,
		Refs:      repository.NewRefRepository(gdb),
		Commits:   repository.NewCommitRepository(gdb),
		Entries:   repository.NewEntryRepository(gdb),
		BlobRefs:  repository.NewBlobRefRepository(gdb),
		Quotas:    repository.NewQuotaRepository(gdb),
		Evaluator: &allowAllEvaluator{deny: deny},
		Enqueuer:  noopEnqueuer{},
		Logger:    zap.NewNop(),
	})

	return &testEngine{engine: eng, store: store, repoID: repoID}
}

func validMetadata() map[string]any {
	return map[string]any{
		"tags":                   []any{"v1"},
		"creation_dt":            "2026-01-01T00:00:00Z",
		"creator":                "alice",
		"file_name":              "a.txt",
		"file_type":              "text/plain",
		"file_size":              100,
		"org_lab":                "widgets-lab",
		"description":            "test fixture",
		"data_source":            "unit-test",
		"data_collection_method": "synthetic",
		"version":                "1",
	}
}

func putChange(path, digest string) types.Change {
	return types.Change{Op: types.ChangeOpPut, Path: path, Digest: digest, Metadata: validMetadata()}
}

func TestCommitHappyPathCreatesRefAndTree(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 100)

	result, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "first commit", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.CommitID == uuid.Nil {
		t.Fatalf("expected non-nil commit id")
	}

	tree, err := te.engine.GetTree(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", "")
	if err != nil {
		t.Fatalf("get_tree: %v", err)
	}
	if len(tree) != 1 || tree[0].Path != "a.txt" || tree[0].BlobDigest != "digest-a" {
		t.Fatalf("unexpected tree: %+v", tree)
	}
}

func TestCommitRejectsEmptyChangeSet(t *testing.T) {
	te := newTestEngine(t, false)
	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "empty", nil)
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCommitRejectsUnuploadedBlob(t *testing.T) {
	te := newTestEngine(t, false)
	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "missing blob", []types.Change{
		putChange("a.txt", "never-uploaded"),
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for unuploaded blob, got %v", err)
	}
}

func TestCommitRejectsWhenPolicyDenies(t *testing.T) {
	te := newTestEngine(t, true)
	te.store.put("digest-a", 10)
	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "eve"}, te.repoID, "main", nil, "denied", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if !apperr.IsPolicyDenied(err) {
		t.Fatalf("expected policy denied error, got %v", err)
	}
}

func TestCommitSecondChangeOverlaysFirstAndMergesMetadata(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)
	te.store.put("digest-b", 20)

	first, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "first", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	_, err = te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", &first.CommitID, "second", []types.Change{
		{Op: types.ChangeOpMeta, Path: "a.txt", Metadata: map[string]any{"tags": []any{"v2"}, "owner": "alice"}},
	})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}

	tree, err := te.engine.GetTree(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", "")
	if err != nil {
		t.Fatalf("get_tree: %v", err)
	}
	if len(tree) != 1 {
		t.Fatalf("expected one live entry, got %d", len(tree))
	}
	if tree[0].BlobDigest != "digest-a" {
		t.Fatalf("meta-only change must not alter the blob digest, got %s", tree[0].BlobDigest)
	}
	if !strings.Contains(tree[0].Metadata, `"owner":"alice"`) || !strings.Contains(tree[0].Metadata, `"tags":["v1","v2"]`) {
		t.Fatalf("expected merged metadata with owner and unioned tags, got %s", tree[0].Metadata)
	}

	url, err := te.engine.GetBlobURL(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", "a.txt")
	if err != nil {
		t.Fatalf("get_blob_url: %v", err)
	}
	if url == "" {
		t.Fatalf("expected a presigned url")
	}
}

func TestCommitDeleteMasksEntryFromTreeAndBlobURL(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)

	added, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "add", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if err != nil {
		t.Fatalf("add commit: %v", err)
	}

	_, err = te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", &added.CommitID, "delete", []types.Change{
		{Op: types.ChangeOpDelete, Path: "a.txt"},
	})
	if err != nil {
		t.Fatalf("delete commit: %v", err)
	}

	tree, err := te.engine.GetTree(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", "")
	if err != nil {
		t.Fatalf("get_tree: %v", err)
	}
	if len(tree) != 0 {
		t.Fatalf("expected deleted path to be masked from tree, got %+v", tree)
	}

	if _, err := te.engine.GetBlobURL(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", "a.txt"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found for deleted path, got %v", err)
	}
}

func TestCommitRejectsDeleteOfUnknownPath(t *testing.T) {
	te := newTestEngine(t, false)
	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "delete unknown", []types.Change{
		{Op: types.ChangeOpDelete, Path: "never-existed.txt"},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCommitLastWinsForRepeatedPathInSameChangeSet(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)
	te.store.put("digest-b", 30)

	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "double put", []types.Change{
		putChange("a.txt", "digest-a"),
		putChange("a.txt", "digest-b"),
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	tree, err := te.engine.GetTree(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", "")
	if err != nil {
		t.Fatalf("get_tree: %v", err)
	}
	if len(tree) != 1 || tree[0].BlobDigest != "digest-b" {
		t.Fatalf("expected last write to win with digest-b, got %+v", tree)
	}
}

func TestCommitRejectsHardQuotaExceeded(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 1000)

	quotas := repository.NewQuotaRepository(te.engine.db)
	if err := quotas.Create(context.Background(), &db.Quota{RepoID: te.repoID, HardBytes: 500}); err != nil {
		t.Fatalf("create quota: %v", err)
	}

	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "too big", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if !apperr.IsQuotaExceeded(err) {
		t.Fatalf("expected quota exceeded error, got %v", err)
	}
}

func TestCommitRejectsBranchProtectionMissingChecks(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)

	protected := repository.NewProtectedRefRepository(te.engine.db)
	if err := protected.Create(context.Background(), &db.ProtectedRef{
		RepoID: te.repoID, RefName: "main", RequiredChecks: `["ci"]`,
	}); err != nil {
		t.Fatalf("create protected ref: %v", err)
	}

	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "no ci", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if !apperr.IsPolicyDenied(err) {
		t.Fatalf("expected policy denied for missing required check, got %v", err)
	}
}

func TestCommitRejectsStaleExpectedParent(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)
	te.store.put("digest-b", 20)

	first, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "first", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Someone else lands a second commit on main, moving the tip past
	// what this caller still thinks is current.
	if _, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", &first.CommitID, "second", []types.Change{
		putChange("b.txt", "digest-b"),
	}); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	// A third commit asserting the first commit as its expected parent is
	// stale relative to the actual tip and must be rejected as a conflict.
	_, err = te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", &first.CommitID, "stale", []types.Change{
		putChange("c.txt", "digest-a"),
	})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict for stale expected parent, got %v", err)
	}
}

func TestCommitRejectsNonNilExpectedParentOnUnsetRef(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)

	bogusParent := uuid.New()
	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", &bogusParent, "first", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict for non-nil expected parent against an unset ref, got %v", err)
	}
}

func TestCommitRejectsIncompleteMetadata(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)

	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "incomplete", []types.Change{
		{Op: types.ChangeOpPut, Path: "a.txt", Digest: "digest-a", Metadata: map[string]any{"creator": "alice"}},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for incomplete metadata, got %v", err)
	}
}

func TestCommitRejectsBranchProtectionMissingReviewers(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)

	protected := repository.NewProtectedRefRepository(te.engine.db)
	if err := protected.Create(context.Background(), &db.ProtectedRef{
		RepoID: te.repoID, RefName: "main", RequiredReviewers: 1,
	}); err != nil {
		t.Fatalf("create protected ref: %v", err)
	}

	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "no reviewers", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if !apperr.IsPolicyDenied(err) {
		t.Fatalf("expected policy denied for missing reviewer approval, got %v", err)
	}
}

func TestMergeMetadataDelegatesToCommit(t *testing.T) {
	te := newTestEngine(t, false)
	te.store.put("digest-a", 10)

	_, err := te.engine.Commit(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", nil, "add", []types.Change{
		putChange("a.txt", "digest-a"),
	})
	if err != nil {
		t.Fatalf("add commit: %v", err)
	}

	if _, err := te.engine.MergeMetadata(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", "a.txt", map[string]any{"reviewed": true}); err != nil {
		t.Fatalf("merge_metadata: %v", err)
	}

	tree, err := te.engine.GetTree(context.Background(), types.Subject{ID: "alice"}, te.repoID, "main", "")
	if err != nil {
		t.Fatalf("get_tree: %v", err)
	}
	if len(tree) != 1 {
		t.Fatalf("expected one entry, got %d", len(tree))
	}
}
