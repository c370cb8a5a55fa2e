package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a local or OIDC-authenticated subject. Groups and Scopes
// are loaded by the policy evaluator as subject attributes for ABAC
// decisions; Role remains for coarse admin/user gating of admin surfaces.
type User struct {
	base
	Email        string          `gorm:"uniqueIndex;not null"`
	Password     EncryptedString `gorm:"type:text"` // empty for OIDC users
	DisplayName  string          `gorm:"not null"`
	Role         string          `gorm:"not null;default:'user'"` // "admin" or "user"
	Groups       string          `gorm:"type:text;default:'[]'"`  // JSON array, ABAC subject attribute
	Scopes       string          `gorm:"type:text;default:'[]'"`  // JSON array, ABAC subject attribute
	IsActive     bool            `gorm:"not null;default:true"`
	OIDCProvider string          `gorm:"default:''"`
	OIDCSub      string          `gorm:"default:''"`
	LastLoginAt  *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// OIDCProvider stores the configuration for an external OIDC identity
// provider. ClientSecret is encrypted at rest.
type OIDCProvider struct {
	base
	Name         string          `gorm:"not null"`
	Issuer       string          `gorm:"not null"`
	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text;not null"`
	RedirectURL  string          `gorm:"not null"`
	Scopes       string          `gorm:"not null;default:'openid email profile'"`
	Enabled      bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Repositories, refs, commits, entries
// -----------------------------------------------------------------------------

// Repository is the top-level container for refs, commits, entries, policies,
// quotas, protected-refs, and webhooks. Name is globally unique.
type Repository struct {
	base
	Name           string `gorm:"uniqueIndex;not null"`
	TombstoneDays  int    `gorm:"not null;default:30"`
	HardDeleteDays int    `gorm:"not null;default:90"`
	LegalHold      bool   `gorm:"not null;default:false"`
}

// Ref is a mutable named pointer to a commit. Updated via compare-and-set on
// CommitID (see repository.RefRepository.CompareAndSwap): every ref update
// checks the stored CommitID equals the caller's expected parent before
// writing the new one.
type Ref struct {
	base
	RepoID   uuid.UUID  `gorm:"type:text;not null;index:idx_refs_repo_name,unique"`
	Name     string     `gorm:"not null;index:idx_refs_repo_name,unique"`
	CommitID *uuid.UUID `gorm:"type:text"` // nil until the first commit lands
}

// Commit is an immutable snapshot. Parent forms a DAG (linear per ref in
// this version; merge nodes are reserved for a future release).
type Commit struct {
	base
	RepoID         uuid.UUID  `gorm:"type:text;not null;index"`
	ParentID       *uuid.UUID `gorm:"type:text;index"`
	Author         string     `gorm:"not null"`
	Message        string     `gorm:"type:text;not null"`
	ChangeSetHash  string     `gorm:"not null"` // sha256 of the canonical change-set
	CreatedAtEpoch int64      `gorm:"not null"` // UTC unix seconds, independent of row CreatedAt
}

// Entry is the (commit, path) tuple that makes up a commit's tree. Entries
// are copy-forward from the parent tree except where touched by the
// change-set (see internal/commit for the overlay implementation).
type Entry struct {
	base
	CommitID    uuid.UUID `gorm:"type:text;not null;index:idx_entries_commit_path,unique"`
	RepoID      uuid.UUID `gorm:"type:text;not null;index"`
	Path        string    `gorm:"not null;index:idx_entries_commit_path,unique"`
	BlobDigest  string    `gorm:"not null;index"` // sha256 hex, empty for a Delete tombstone
	Deleted     bool      `gorm:"not null;default:false"`
	Metadata    string    `gorm:"type:text;not null;default:'{}'"` // JSON metadata document
	Tombstoned  bool      `gorm:"not null;default:false;index"`    // retention step 1
	Quarantined bool      `gorm:"not null;default:false"`          // antivirus verdict mask
}

// BlobRef tracks reference counts for content-addressed blobs so the
// retention sweeper can decide when it is safe to delete the underlying
// object. One row per distinct digest, shared across repos.
type BlobRef struct {
	Digest    string `gorm:"primaryKey"`
	SizeBytes int64  `gorm:"not null"`
	RefCount  int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
}

// -----------------------------------------------------------------------------
// Policy, branch protection, quota
// -----------------------------------------------------------------------------

// Policy is an ABAC rule: subject/action/resource selectors plus an effect
// and a condition document evaluated by internal/policy.
type Policy struct {
	softDelete
	Tenant             string `gorm:"index"` // optional; empty = global
	SubjectSelector    string `gorm:"type:text;not null;default:'{}'"`
	ActionSelector     string `gorm:"type:text;not null;default:'{}'"`
	ResourceSelector   string `gorm:"type:text;not null;default:'{}'"`
	Effect             string `gorm:"not null"` // "allow" or "deny"
	Condition          string `gorm:"type:text;not null;default:'{}'"`
	Enabled            bool   `gorm:"not null;default:true"`
	SpecificityFields  int    `gorm:"not null;default:0"` // non-wildcard selector field count, precomputed
}

// ProtectedRef gates commit acceptance on a specific repo+ref.
type ProtectedRef struct {
	base
	RepoID              uuid.UUID `gorm:"type:text;not null;index:idx_protected_refs_repo_name,unique"`
	RefName             string    `gorm:"not null;index:idx_protected_refs_repo_name,unique"`
	RequireAdmin        bool      `gorm:"not null;default:false"`
	AllowFastForward    bool      `gorm:"not null;default:true"`
	AllowDelete         bool      `gorm:"not null;default:false"`
	RequiredChecks      string    `gorm:"type:text;not null;default:'[]'"` // JSON array of check names
	RequiredReviewers   int       `gorm:"not null;default:0"`
	RequireSchemaPass   bool      `gorm:"not null;default:false"`
}

// CheckResult records the outcome of a named check (e.g. CI) against a
// proposed commit id, consulted by the branch-protection sub-evaluator.
type CheckResult struct {
	base
	RepoID   uuid.UUID `gorm:"type:text;not null;index"`
	CommitID uuid.UUID `gorm:"type:text;not null;index"`
	Name     string    `gorm:"not null"`
	Status   string    `gorm:"not null"` // "pending", "success", "failure"
}

// Quota holds soft/hard limits and running counters for a repo, or for a
// (repo, user) pair when UserID is set.
type Quota struct {
	base
	RepoID        uuid.UUID  `gorm:"type:text;not null;index"`
	UserID        *uuid.UUID `gorm:"type:text;index"`
	SoftBytes     uint64     `gorm:"not null;default:0"`
	HardBytes     uint64     `gorm:"not null;default:0"`
	SoftFiles     uint64     `gorm:"not null;default:0"`
	HardFiles     uint64     `gorm:"not null;default:0"`
	CurrentBytes  uint64     `gorm:"not null;default:0"`
	CurrentFiles  uint64     `gorm:"not null;default:0"`
	CurrentCommits uint64    `gorm:"not null;default:0"`
}

// QuotaUsageLog is an append-only audit trail of quota-affecting deltas,
// one row per commit that changed usage.
type QuotaUsageLog struct {
	base
	RepoID     uuid.UUID `gorm:"type:text;not null;index"`
	CommitID   uuid.UUID `gorm:"type:text;not null;index"`
	DeltaBytes int64     `gorm:"not null"`
	DeltaFiles int64     `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is one unit of background work enqueued by the commit engine or an
// admin request. State machine: pending -> running -> succeeded | failed (->
// dead after max attempts). Exactly one worker owns a job in "running" at a
// time, enforced by the conditional-update acquire in internal/jobs.
type Job struct {
	base
	Type            string     `gorm:"not null;index:idx_jobs_state_next,priority:2"`
	RepoID          uuid.UUID  `gorm:"type:text;not null;index"`
	Payload         string     `gorm:"type:text;not null;default:'{}'"`
	State           string     `gorm:"not null;default:'pending';index:idx_jobs_state_next,priority:1"`
	Attempts        int        `gorm:"not null;default:0"`
	MaxAttempts     int        `gorm:"not null;default:1"`
	NextAttemptAt   time.Time  `gorm:"not null;index:idx_jobs_state_next,priority:3"`
	LeaseExpiresAt  *time.Time `gorm:"index"`
	LeaseExpirations int       `gorm:"not null;default:0"`
	Owner           string     `gorm:"default:''"`
	Error           string     `gorm:"type:text;default:''"`
	IdempotencyKey  string     `gorm:"index:idx_jobs_type_idem,unique"`
}

// DeadLetterJob is the terminal location for jobs that exhausted retries or
// failed permanently. Carries the full payload and error for operator
// inspection; Retry/Discard are the only ways out (see internal/jobs).
type DeadLetterJob struct {
	base
	OriginalJobID uuid.UUID `gorm:"type:text;not null;index"`
	Type          string    `gorm:"not null"`
	RepoID        uuid.UUID `gorm:"type:text;not null;index"`
	Payload       string    `gorm:"type:text;not null"`
	Error         string    `gorm:"type:text;not null"`
	Attempts      int       `gorm:"not null"`
	Discarded     bool      `gorm:"not null;default:false"`
}

// JobLog stores structured log lines emitted during job execution, inserted
// in bulk at job completion rather than line-by-line.
type JobLog struct {
	base
	JobID     uuid.UUID `gorm:"type:text;not null;index"`
	Level     string    `gorm:"not null"`
	Message   string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null;index"`
}

// ExportRecord is the output artifact of an "export" job: a tarball of a
// commit's entries, uploaded to the object store with a presigned URL.
type ExportRecord struct {
	base
	RepoID    uuid.UUID `gorm:"type:text;not null;index"`
	CommitID  uuid.UUID `gorm:"type:text;not null"`
	JobID     uuid.UUID `gorm:"type:text;not null;index"`
	ObjectKey string    `gorm:"not null"`
	URL       string    `gorm:"type:text;not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is a subscriber endpoint for domain events. Secret is encrypted at
// rest and used to HMAC-sign outbound deliveries.
type Webhook struct {
	softDelete
	RepoID    uuid.UUID       `gorm:"type:text;not null;index"`
	URL       string          `gorm:"type:text;not null"`
	Secret    EncryptedString `gorm:"type:text;not null"`
	EventMask string          `gorm:"type:text;not null;default:'[]'"` // JSON array of event names, "*" = all
	Active    bool            `gorm:"not null;default:true"`
}

// WebhookDelivery is one attempt (and its retry history) to deliver an event
// to a Webhook. Delivery is itself a job class in internal/jobs; State here
// mirrors the delivering Job's state for read convenience.
type WebhookDelivery struct {
	base
	WebhookID   uuid.UUID `gorm:"type:text;not null;index"`
	JobID       uuid.UUID `gorm:"type:text;not null;index"`
	Event       string    `gorm:"not null"`
	Payload     string    `gorm:"type:text;not null"`
	Attempts    int       `gorm:"not null;default:0"`
	State       string    `gorm:"not null;default:'pending'"`
	LastStatus  int       `gorm:"not null;default:0"`
	NextRetryAt *time.Time
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditRecord is an append-only record of an authorization decision or
// mutation outcome. Written in buffered batches by internal/audit.
type AuditRecord struct {
	base
	Subject      string `gorm:"not null;index"`
	Action       string `gorm:"not null"`
	Resource     string `gorm:"not null;index"`
	Outcome      string `gorm:"not null"` // "allow", "deny", "error"
	PolicyID     *uuid.UUID `gorm:"type:text"`
	Context      string `gorm:"type:text;default:'{}'"`
	OccurredAtTS int64  `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry. Sensitive values are
// encrypted at the application layer via EncryptedString before being
// persisted.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

// AllModels lists every model. The embedded SQL migrations are authoritative
// for the schema; tests open their databases through New, which runs those
// migrations, and nothing in this tree calls AllModels.
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &RefreshToken{}, &OIDCProvider{},
		&Repository{}, &Ref{}, &Commit{}, &Entry{}, &BlobRef{},
		&Policy{}, &ProtectedRef{}, &CheckResult{}, &Quota{}, &QuotaUsageLog{},
		&Job{}, &DeadLetterJob{}, &JobLog{}, &ExportRecord{},
		&Webhook{}, &WebhookDelivery{},
		&AuditRecord{}, &Setting{},
	}
}
