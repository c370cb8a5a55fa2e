package commit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blacklake-io/blacklake/internal/apperr"
	"github.com/blacklake-io/blacklake/internal/audit"
	"github.com/blacklake-io/blacklake/internal/cache"
	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/jobs"
	"github.com/blacklake-io/blacklake/internal/objectstore"
	"github.com/blacklake-io/blacklake/internal/policy"
	"github.com/blacklake-io/blacklake/internal/repository"
	"github.com/blacklake-io/blacklake/internal/webhook"
	"github.com/blacklake-io/blacklake/pkg/types"
)

// PolicyEvaluator is the subset of internal/policy.Evaluator the engine
// depends on, accepted as an interface so the engine is unit-testable
// against a stub without a real OPA evaluation.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req types.Request, policies []db.Policy) (types.Decision, error)
}

// JobEnqueuer is the subset of internal/jobs.Pipeline the engine needs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, class jobs.Class, repoID uuid.UUID, payload any, idempotencyKey string) (uuid.UUID, error)
}

// ObjectStore is the subset of internal/objectstore.Store the engine needs.
// *objectstore.Store satisfies it; tests substitute an in-memory fake so
// commit logic can be exercised without a real S3 endpoint.
type ObjectStore interface {
	PresignPut(ctx context.Context, key string, size int64, contentType string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Head(ctx context.Context, key string) (*objectstore.Metadata, error)
}

// CacheInvalidator is the subset of internal/cache.Cache the engine needs.
// A nil CacheInvalidator (the zero value of Deps.Cache) means no cache is
// wired up — invalidation becomes a no-op, which is exactly right for unit
// tests that exercise the engine against SQLite alone.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// AuditRecorder is the subset of internal/audit.Writer the engine needs. A
// nil AuditRecorder (the zero value of Deps.Audit) turns audit append into a
// no-op, matching CacheInvalidator's test-friendly nil behavior.
type AuditRecorder interface {
	Record(e audit.Event)
}

// Engine is the C4 commit engine: it depends only on interfaces
// (ObjectStore, the repository package's store interfaces, PolicyEvaluator,
// JobEnqueuer) so it is unit-testable against the SQLite backend without a
// real S3 endpoint.
type Engine struct {
	db         *gorm.DB
	breaker    *db.Breaker
	store      ObjectStore
	policies   repository.PolicyRepository
	protected  repository.ProtectedRefRepository
	checks     repository.CheckResultRepository
	repos      repository.RepoRepository
	refs       repository.RefRepository
	commits    repository.CommitRepository
	entries    repository.EntryRepository
	blobRefs   repository.BlobRefRepository
	quotas     repository.QuotaRepository
	webhooks   repository.WebhookRepository
	deliveries repository.WebhookDeliveryRepository
	evaluator  PolicyEvaluator
	enqueuer   JobEnqueuer
	cache      CacheInvalidator
	audit      AuditRecorder
	logger     *zap.Logger
	uploadTTL  time.Duration
	presignTTL time.Duration
}

// Deps bundles Engine's constructor dependencies.
type Deps struct {
	DB         *gorm.DB
	Breaker    *db.Breaker
	Store      ObjectStore
	Policies   repository.PolicyRepository
	Protected  repository.ProtectedRefRepository
	Checks     repository.CheckResultRepository
	Repos      repository.RepoRepository
	Refs       repository.RefRepository
	Commits    repository.CommitRepository
	Entries    repository.EntryRepository
	BlobRefs   repository.BlobRefRepository
	Quotas     repository.QuotaRepository
	Webhooks   repository.WebhookRepository
	Deliveries repository.WebhookDeliveryRepository
	Evaluator  PolicyEvaluator
	Enqueuer   JobEnqueuer
	Cache      CacheInvalidator
	Audit      AuditRecorder
	Logger     *zap.Logger
}

// New builds an Engine from its Deps.
func New(d Deps) *Engine {
	return &Engine{
		db:         d.DB,
		breaker:    d.Breaker,
		store:      d.Store,
		policies:   d.Policies,
		protected:  d.Protected,
		checks:     d.Checks,
		repos:      d.Repos,
		refs:       d.Refs,
		commits:    d.Commits,
		entries:    d.Entries,
		blobRefs:   d.BlobRefs,
		quotas:     d.Quotas,
		webhooks:   d.Webhooks,
		deliveries: d.Deliveries,
		evaluator:  d.Evaluator,
		enqueuer:   d.Enqueuer,
		cache:      d.Cache,
		audit:      d.Audit,
		logger:     d.Logger.Named("commit"),
		uploadTTL:  15 * time.Minute,
		presignTTL: 15 * time.Minute,
	}
}

// UploadInitResult is upload_init's output.
type UploadInitResult struct {
	UploadURL string
	BlobKey   string
	ExpiresAt time.Time
}

// UploadInit implements spec §4.4's upload_init: authorizes the subject,
// checks the proposed size against quota headroom, and returns a
// presigned PUT URL keyed by the blob's eventual digest. The caller
// computes the digest client-side before requesting the URL (content
// addressing requires knowing the key before upload).
func (e *Engine) UploadInit(ctx context.Context, subject types.Subject, repoID uuid.UUID, digest string, size int64, contentType string) (*UploadInitResult, error) {
	decision, err := e.authorize(ctx, subject, "write", repoID, "")
	if err != nil {
		return nil, err
	}
	if decision.Effect == types.EffectDeny {
		return nil, apperr.WithFields(apperr.KindPolicyDenied, decision.Reason, map[string]any{"matched_policy": decision.MatchedPolicy})
	}

	quota, err := e.quotas.GetForRepo(ctx, repoID)
	if err == nil {
		result := policy.EvaluateQuota(*quota, policy.UsageDelta{Bytes: size})
		if !result.Allowed {
			return nil, apperr.WithFields(apperr.KindQuotaExceeded, "hard storage quota exceeded", map[string]any{"usage_pct": result.UsagePct})
		}
	} else if err != repository.ErrNotFound {
		return nil, fmt.Errorf("commit: upload_init: load quota: %w", err)
	}

	key := objectstore.BlobKey(digest)
	url, err := e.store.PresignPut(ctx, key, size, contentType, e.uploadTTL)
	if err != nil {
		return nil, err
	}
	return &UploadInitResult{UploadURL: url, BlobKey: key, ExpiresAt: time.Now().UTC().Add(e.uploadTTL)}, nil
}

// CommitResult is commit's output.
type CommitResult struct {
	CommitID uuid.UUID
}

// Commit implements spec §4.4's seven-step commit algorithm.
func (e *Engine) Commit(ctx context.Context, subject types.Subject, repoID uuid.UUID, refName string, expectedParent *uuid.UUID, message string, changes []types.Change) (*CommitResult, error) {
	if len(changes) == 0 {
		return nil, apperr.New(apperr.KindValidation, "a commit with zero net changes is rejected")
	}

	// Step 1: authorize write on repo:{name}/{path}* for every touched path.
	for _, c := range changes {
		decision, err := e.authorize(ctx, subject, "write", repoID, c.Path)
		if err != nil {
			return nil, err
		}
		if decision.Effect == types.EffectDeny {
			return nil, apperr.WithFields(apperr.KindPolicyDenied, decision.Reason, map[string]any{"path": c.Path, "matched_policy": decision.MatchedPolicy})
		}
	}

	// Step 2: load the protection rule and the ref's current tip. The rule
	// is evaluated below, after the change-set has been resolved and its
	// metadata validated, so the proposal it sees reflects real pass/fail
	// data rather than zero values.
	protected, err := e.protected.GetByRepoAndRef(ctx, repoID, refName)
	if err != nil && err != repository.ErrNotFound {
		return nil, fmt.Errorf("commit: load protected ref: %w", err)
	}
	var currentRef *db.Ref
	ref, err := e.refs.GetByRepoAndName(ctx, repoID, refName)
	if err != nil && err != repository.ErrNotFound {
		return nil, fmt.Errorf("commit: load ref: %w", err)
	}
	if err == nil {
		currentRef = ref
	}

	newCommitID := uuid.Must(uuid.NewV7())

	// Step 3: resolve each change into a new entry row. Every Put/Meta
	// change's final metadata document is validated against the
	// required-field invariant here, unconditionally — this runs whether
	// or not refName is protected.
	var headCommit uuid.UUID
	if currentRef != nil && currentRef.CommitID != nil {
		headCommit = *currentRef.CommitID
	}

	newEntries := make([]db.Entry, 0, len(changes))
	putSizes := make(map[string]int64) // digest -> size, captured from HEAD for blob_refs.Upsert
	var deltaBytes, deltaFiles int64
	seenPaths := make(map[string]int) // path -> index into newEntries, for last-wins tie-break

	for _, c := range changes {
		entry := db.Entry{CommitID: newCommitID, RepoID: repoID, Path: c.Path}

		switch c.Op {
		case types.ChangeOpPut:
			if c.Digest == "" {
				return nil, apperr.New(apperr.KindValidation, "put requires a blob digest")
			}
			blobMeta, err := e.store.Head(ctx, objectstore.BlobKey(c.Digest))
			if err != nil {
				if apperr.IsNotFound(err) {
					return nil, apperr.WithFields(apperr.KindValidation, "blob must be uploaded before it is committed", map[string]any{"digest": c.Digest, "path": c.Path})
				}
				return nil, err
			}
			putSizes[c.Digest] = blobMeta.SizeBytes
			metaJSON, err := json.Marshal(c.Metadata)
			if err != nil {
				return nil, fmt.Errorf("commit: marshal metadata for %s: %w", c.Path, err)
			}
			if err := validateRequiredMetadata(c.Path, string(metaJSON)); err != nil {
				return nil, err
			}
			entry.BlobDigest = c.Digest
			entry.Metadata = string(metaJSON)

			if existing, err := resolveEntryAtCommit(ctx, e.commits, e.entries, headCommit, c.Path); err == nil {
				deltaBytes += e.sizeDelta(ctx, existing, c.Digest, putSizes[c.Digest])
			} else {
				deltaFiles++
				deltaBytes += putSizes[c.Digest]
			}

		case types.ChangeOpMeta:
			existing, err := resolveEntryAtCommit(ctx, e.commits, e.entries, headCommit, c.Path)
			if err != nil {
				return nil, apperr.WithFields(apperr.KindValidation, "meta requires an existing entry", map[string]any{"path": c.Path})
			}
			patchJSON, err := json.Marshal(c.Metadata)
			if err != nil {
				return nil, fmt.Errorf("commit: marshal metadata patch for %s: %w", c.Path, err)
			}
			merged, err := mergeMetadata(existing.Metadata, string(patchJSON))
			if err != nil {
				return nil, err
			}
			if err := validateRequiredMetadata(c.Path, merged); err != nil {
				return nil, err
			}
			entry.BlobDigest = existing.BlobDigest
			entry.Metadata = merged

		case types.ChangeOpDelete:
			existing, err := resolveEntryAtCommit(ctx, e.commits, e.entries, headCommit, c.Path)
			if err != nil {
				return nil, apperr.WithFields(apperr.KindValidation, "delete requires an existing entry", map[string]any{"path": c.Path})
			}
			entry.Deleted = true
			entry.BlobDigest = existing.BlobDigest
			deltaFiles--
			if size, err := e.blobSize(ctx, existing.BlobDigest); err == nil {
				deltaBytes -= size
			}

		default:
			return nil, apperr.WithFields(apperr.KindValidation, "unknown change operation", map[string]any{"op": c.Op})
		}

		// Last-wins tie-break for repeated paths within one change-set.
		if idx, ok := seenPaths[c.Path]; ok {
			newEntries[idx] = entry
		} else {
			seenPaths[c.Path] = len(newEntries)
			newEntries = append(newEntries, entry)
		}
	}

	// Step 2 (continued): evaluate branch protection now that the change-set
	// has been resolved. The required-field invariant above already rejected
	// the commit if any Put/Meta metadata was incomplete, so SchemaPassed is
	// true for anything that reaches this point. ReviewersCount is the
	// number of distinct "review:<reviewer>" check results recorded
	// successful against this commit id, the same ingestion path external
	// CI posts status checks through.
	if protected != nil {
		checks, err := e.checks.ListForCommit(ctx, repoID, newCommitID)
		if err != nil {
			return nil, fmt.Errorf("commit: load check results: %w", err)
		}
		var currentTip *uuid.UUID
		if currentRef != nil {
			currentTip = currentRef.CommitID
		}
		result := policy.EvaluateBranchProtection(*protected, subject, policy.CommitProposal{
			CommitID:       newCommitID,
			ProposedParent: expectedParent,
			CurrentTip:     currentTip,
			ReviewersCount: countReviewApprovals(checks),
			SchemaPassed:   true,
		}, checks)
		if !result.Allowed {
			return nil, apperr.WithFields(apperr.KindPolicyDenied, "branch protection rejected the commit", map[string]any{
				"reasons":        result.Reasons,
				"missing_checks": result.MissingChecks,
			})
		}
	}

	changeSetHash := hashChangeSet(changes)
	commitRow := &db.Commit{
		RepoID:         repoID,
		ParentID:       expectedParent,
		Author:         subject.ID,
		Message:        message,
		ChangeSetHash:  changeSetHash,
		CreatedAtEpoch: time.Now().UTC().Unix(),
	}
	commitRow.ID = newCommitID

	err = e.breaker.WithinTx(ctx, e.db, func(tx *gorm.DB) error {
		// Step 4: quota admission.
		var lockedQuota *db.Quota
		quota, qerr := e.quotas.LockForUpdate(ctx, tx, repoID, nil)
		if qerr == nil {
			result := policy.EvaluateQuota(*quota, policy.UsageDelta{Bytes: deltaBytes, Files: deltaFiles})
			if !result.Allowed {
				return apperr.WithFields(apperr.KindQuotaExceeded, "hard quota exceeded", map[string]any{"usage_pct": result.UsagePct})
			}
			lockedQuota = quota
		} else if qerr != repository.ErrNotFound {
			return fmt.Errorf("commit: lock quota: %w", qerr)
		}

		// Step 5: insert commit + entries, update quota, enqueue jobs, CAS ref.
		if err := e.commits.Create(ctx, tx, commitRow); err != nil {
			return err
		}
		if err := e.entries.CreateBatch(ctx, tx, newEntries); err != nil {
			return err
		}
		for _, c := range changes {
			if c.Op == types.ChangeOpPut {
				if err := e.blobRefs.Upsert(ctx, tx, c.Digest, putSizes[c.Digest]); err != nil {
					return err
				}
			}
		}
		if lockedQuota != nil {
			lockedQuota.CurrentBytes = saturatingAdd(lockedQuota.CurrentBytes, deltaBytes)
			lockedQuota.CurrentFiles = saturatingAdd(lockedQuota.CurrentFiles, deltaFiles)
			lockedQuota.CurrentCommits++
			if err := e.quotas.ApplyUsage(ctx, tx, lockedQuota, &db.QuotaUsageLog{
				RepoID: repoID, CommitID: newCommitID, DeltaBytes: deltaBytes, DeltaFiles: deltaFiles,
			}); err != nil {
				return err
			}
		}

		if currentRef == nil {
			if expectedParent != nil {
				return apperr.New(apperr.KindConflict, "expected parent does not match ref tip: ref does not exist")
			}
			if err := e.refs.Create(ctx, &db.Ref{RepoID: repoID, Name: refName, CommitID: &newCommitID}); err != nil {
				return err
			}
		} else if err := e.refs.CompareAndSwap(ctx, tx, repoID, refName, expectedParent, &newCommitID); err != nil {
			if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
				return apperr.New(apperr.KindConflict, "expected parent does not match ref tip")
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, db.ErrBreakerOpen) {
			return nil, apperr.Wrap(apperr.KindTransient, "database circuit breaker is open", err)
		}
		return nil, err
	}

	// Step 7: best-effort enqueue of downstream jobs, cache invalidation,
	// webhook fan-out, and audit append. Failures here are logged, not
	// returned — the commit has already landed.
	for _, c := range changes {
		e.enqueueForChange(ctx, repoID, newCommitID, c)
		e.invalidateCache(ctx, repoID, newCommitID, c.Path)
	}
	e.enqueueWebhooks(ctx, subject, repoID, refName, newCommitID)
	e.appendAudit(subject, repoID, newCommitID, refName)

	return &CommitResult{CommitID: newCommitID}, nil
}

// GetTree implements get_tree: resolves the live entries at refName's tip,
// optionally filtered by pathPrefix.
func (e *Engine) GetTree(ctx context.Context, subject types.Subject, repoID uuid.UUID, refName, pathPrefix string) ([]TreeEntry, error) {
	decision, err := e.authorize(ctx, subject, "read", repoID, pathPrefix)
	if err != nil {
		return nil, err
	}
	if decision.Effect == types.EffectDeny {
		return nil, apperr.WithFields(apperr.KindPolicyDenied, decision.Reason, nil)
	}

	ref, err := e.refs.GetByRepoAndName(ctx, repoID, refName)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperr.NotFound
		}
		return nil, fmt.Errorf("commit: get_tree: load ref: %w", err)
	}
	if ref.CommitID == nil {
		return nil, nil
	}
	return resolveTree(ctx, e.commits, e.entries, *ref.CommitID, pathPrefix)
}

// GetBlobURL implements get_blob_url.
func (e *Engine) GetBlobURL(ctx context.Context, subject types.Subject, repoID uuid.UUID, refName, path string) (string, error) {
	decision, err := e.authorize(ctx, subject, "read", repoID, path)
	if err != nil {
		return "", err
	}
	if decision.Effect == types.EffectDeny {
		return "", apperr.WithFields(apperr.KindPolicyDenied, decision.Reason, nil)
	}

	ref, err := e.refs.GetByRepoAndName(ctx, repoID, refName)
	if err != nil {
		if err == repository.ErrNotFound {
			return "", apperr.NotFound
		}
		return "", fmt.Errorf("commit: get_blob_url: load ref: %w", err)
	}
	if ref.CommitID == nil {
		return "", apperr.NotFound
	}
	entry, err := resolveEntryAtCommit(ctx, e.commits, e.entries, *ref.CommitID, path)
	if err != nil {
		if err == repository.ErrNotFound {
			return "", apperr.NotFound
		}
		return "", err
	}
	if entry.Deleted || entry.Quarantined || entry.Tombstoned {
		return "", apperr.NotFound
	}
	return e.store.PresignGet(ctx, objectstore.BlobKey(entry.BlobDigest), e.presignTTL)
}

// MergeMetadata implements merge_metadata: equivalent to a single-change
// commit with a Meta operation whose expected parent is the ref's current
// tip, kept as its own entry point because it has a narrower public
// contract (no Put/Delete, no message authoring UX).
func (e *Engine) MergeMetadata(ctx context.Context, subject types.Subject, repoID uuid.UUID, refName, path string, patch map[string]any) (*CommitResult, error) {
	var tip *uuid.UUID
	if ref, err := e.refs.GetByRepoAndName(ctx, repoID, refName); err == nil {
		tip = ref.CommitID
	} else if err != repository.ErrNotFound {
		return nil, fmt.Errorf("commit: merge_metadata: load ref: %w", err)
	}
	return e.Commit(ctx, subject, repoID, refName, tip, fmt.Sprintf("merge metadata: %s", path), []types.Change{
		{Op: types.ChangeOpMeta, Path: path, Metadata: patch},
	})
}

func (e *Engine) authorize(ctx context.Context, subject types.Subject, action string, repoID uuid.UUID, path string) (types.Decision, error) {
	policies, err := e.policies.ListCandidates(ctx, "")
	if err != nil {
		return types.Decision{}, fmt.Errorf("commit: authorize: load policies: %w", err)
	}
	resource := fmt.Sprintf("repo:%s/%s", repoID, path)
	return e.evaluator.Evaluate(ctx, types.Request{Subject: subject, Action: action, Resource: resource}, policies)
}

func (e *Engine) enqueueForChange(ctx context.Context, repoID, commitID uuid.UUID, c types.Change) {
	if _, err := e.enqueuer.Enqueue(ctx, jobs.ClassIndexEntry, repoID, map[string]any{
		"repo_id": repoID, "commit_id": commitID, "path": c.Path, "op": c.Op,
	}, fmt.Sprintf("%s:%s", commitID, c.Path)); err != nil {
		e.logger.Error("enqueue index_entry failed", zap.Error(err))
	}

	if c.Op != types.ChangeOpPut {
		return
	}

	if _, err := e.enqueuer.Enqueue(ctx, jobs.ClassSampling, repoID, map[string]any{
		"digest": c.Digest, "path": c.Path,
	}, c.Digest); err != nil {
		e.logger.Error("enqueue sampling failed", zap.Error(err))
	}
	if len(c.Metadata) > 0 {
		if _, err := e.enqueuer.Enqueue(ctx, jobs.ClassRDFEmit, repoID, map[string]any{
			"commit_id": commitID, "path": c.Path, "digest": c.Digest, "metadata": c.Metadata,
		}, fmt.Sprintf("%s:%s", commitID, c.Path)); err != nil {
			e.logger.Error("enqueue rdf_emit failed", zap.Error(err))
		}
	}
	if _, err := e.enqueuer.Enqueue(ctx, jobs.ClassAntivirus, repoID, map[string]any{
		"digest": c.Digest,
	}, c.Digest); err != nil {
		e.logger.Error("enqueue antivirus failed", zap.Error(err))
	}
}

// invalidateCache clears the cached search-projection and metadata entries
// for path now that a new commit has landed, so the next read observes
// this commit's state instead of whatever was cached for an ancestor.
func (e *Engine) invalidateCache(ctx context.Context, repoID, commitID uuid.UUID, path string) {
	if e.cache == nil {
		return
	}
	e.cache.Invalidate(ctx,
		cache.SearchKey(commitID.String(), path),
		cache.MetaKey(repoID.String(), path, commitID.String()),
	)
}

// enqueueWebhooks fans a landed commit out to every active webhook whose
// event mask matches commit.created, one webhook_delivery job per
// subscriber. The delivery id is generated first and threaded into the job
// payload; the job is enqueued, and the delivery row (state "pending") is
// then created with that id and the returned job id. The job handler
// retries a delivery whose row it cannot find yet.
func (e *Engine) enqueueWebhooks(ctx context.Context, subject types.Subject, repoID uuid.UUID, refName string, commitID uuid.UUID) {
	if e.webhooks == nil || e.deliveries == nil {
		return
	}

	hooks, err := e.webhooks.ListActiveForRepo(ctx, repoID)
	if err != nil {
		e.logger.Error("list webhooks for repo failed", zap.Error(err))
		return
	}

	payload := types.WebhookPayload{
		Event:      types.EventCommitCreated,
		OccurredAt: time.Now().UTC(),
		Repo:       repoID.String(),
		Ref:        refName,
		Commit:     commitID.String(),
		Actor:      subject.ID,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal webhook payload failed", zap.Error(err))
		return
	}

	for _, hook := range hooks {
		var mask []string
		if err := json.Unmarshal([]byte(hook.EventMask), &mask); err != nil {
			e.logger.Error("unmarshal webhook event mask failed", zap.String("webhook_id", hook.ID.String()), zap.Error(err))
			continue
		}
		if !webhook.Matches(mask, types.EventCommitCreated) {
			continue
		}

		deliveryID := uuid.New()
		jobID, err := e.enqueuer.Enqueue(ctx, jobs.ClassWebhookDelivery, repoID, map[string]any{
			"delivery_id": deliveryID,
		}, deliveryID.String())
		if err != nil {
			e.logger.Error("enqueue webhook_delivery failed", zap.String("webhook_id", hook.ID.String()), zap.Error(err))
			continue
		}

		delivery := &db.WebhookDelivery{
			WebhookID: hook.ID,
			JobID:     jobID,
			Event:     string(types.EventCommitCreated),
			Payload:   string(payloadJSON),
			State:     "pending",
		}
		delivery.ID = deliveryID
		if err := e.deliveries.Create(ctx, delivery); err != nil {
			e.logger.Error("create webhook delivery record failed", zap.String("webhook_id", hook.ID.String()), zap.Error(err))
		}
	}
}

// appendAudit records a commit as one audit event. Best-effort: a dropped or
// failed append never undoes or blocks the commit it describes.
func (e *Engine) appendAudit(subject types.Subject, repoID, commitID uuid.UUID, refName string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(audit.Event{
		Subject:  subject.ID,
		Action:   "commit",
		Resource: fmt.Sprintf("repo:%s/%s", repoID, refName),
		Outcome:  "allow",
		Context:  map[string]any{"commit_id": commitID.String()},
	})
}

func (e *Engine) blobSize(ctx context.Context, digest string) (int64, error) {
	ref, err := e.blobRefs.GetByDigest(ctx, digest)
	if err != nil {
		return 0, err
	}
	return ref.SizeBytes, nil
}

func (e *Engine) sizeDelta(ctx context.Context, existing *db.Entry, newDigest string, newSize int64) int64 {
	if existing.BlobDigest == newDigest {
		return 0
	}
	var oldSize int64
	if size, err := e.blobSize(ctx, existing.BlobDigest); err == nil {
		oldSize = size
	}
	return newSize - oldSize
}

func hashChangeSet(changes []types.Change) string {
	h := sha256.New()
	for _, c := range changes {
		fmt.Fprintf(h, "%s|%s|%s|", c.Op, c.Path, c.Digest)
	}
	return hex.EncodeToString(h.Sum(nil))
}

const reviewCheckPrefix = "review:"

// countReviewApprovals counts distinct successful "review:<reviewer>" check
// results, the convention reviewer tooling posts approvals under through
// the same check-result ingestion path CI status checks use.
func countReviewApprovals(checks []db.CheckResult) int {
	approved := make(map[string]bool, len(checks))
	for _, c := range checks {
		if c.Status != "success" || !strings.HasPrefix(c.Name, reviewCheckPrefix) {
			continue
		}
		approved[c.Name] = true
	}
	return len(approved)
}

// saturatingAdd mirrors internal/policy's unexported saturatingAdd
// so the engine can apply the same delta it validated against without
// reaching into policy's internals.
func saturatingAdd(current uint64, delta int64) uint64 {
	if delta >= 0 {
		return current + uint64(delta)
	}
	dec := uint64(-delta)
	if dec > current {
		return 0
	}
	return current - dec
}
