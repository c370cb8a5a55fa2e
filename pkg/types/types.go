// Package types defines shared domain types used across the API, commit
// engine, job pipeline, and policy evaluator.
package types

import "time"

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobState represents the current execution state of a job (spec §4.5).
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateDead      JobState = "dead"
)

// JobClass identifies the kind of background work a job performs.
type JobClass string

const (
	JobClassIndexEntry       JobClass = "index_entry"
	JobClassSampling         JobClass = "sampling"
	JobClassRDFEmit          JobClass = "rdf_emit"
	JobClassAntivirus        JobClass = "antivirus"
	JobClassExport           JobClass = "export"
	JobClassFullReindex      JobClass = "full_reindex"
	JobClassWebhookDelivery  JobClass = "webhook_delivery"
)

// ─── Change set ──────────────────────────────────────────────────────────────

// ChangeOp identifies the kind of mutation a ChangeSet entry performs.
type ChangeOp string

const (
	ChangeOpPut    ChangeOp = "put"
	ChangeOpMeta   ChangeOp = "meta"
	ChangeOpDelete ChangeOp = "delete"
)

// Change is one entry in a commit's change-set.
type Change struct {
	Op       ChangeOp       `json:"op"`
	Path     string         `json:"path"`
	Digest   string         `json:"digest,omitempty"`   // required for Put
	Metadata map[string]any `json:"metadata,omitempty"` // required for Put, optional patch for Meta
}

// RequiredMetadataFields lists the keys an entry's metadata document must
// carry, non-empty, once a Put or Meta change has been applied (spec §3,
// §4.4). Checked against the final merged document, not the raw patch.
var RequiredMetadataFields = []string{
	"creation_dt",
	"creator",
	"file_name",
	"file_type",
	"file_size",
	"org_lab",
	"description",
	"data_source",
	"data_collection_method",
	"version",
}

// ─── Policy ──────────────────────────────────────────────────────────────────

// Effect is the outcome of a matched policy.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Decision is the result of evaluating a policy request (spec §4.3).
type Decision struct {
	Effect         Effect `json:"effect"`
	MatchedPolicy  string `json:"matched_policy_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Request is the input to the policy evaluator.
type Request struct {
	Subject  Subject        `json:"subject"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Context  map[string]any `json:"context,omitempty"`
}

// Subject carries the attributes the evaluator reasons about.
type Subject struct {
	ID     string   `json:"id"`
	Role   string   `json:"role"`
	Groups []string `json:"groups,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	Admin  bool     `json:"admin"`
}

// BranchProtectionResult is the outcome of evaluating a commit proposal
// against a ProtectedRef.
type BranchProtectionResult struct {
	Allowed                bool     `json:"allowed"`
	Reasons                []string `json:"reasons,omitempty"`
	MissingChecks          []string `json:"missing_checks,omitempty"`
	MissingReviewersCount  int      `json:"missing_reviewers_count,omitempty"`
}

// QuotaResult is the outcome of evaluating a proposed usage delta against a
// Quota row.
type QuotaResult struct {
	Allowed      bool    `json:"allowed"`
	SoftWarning  bool    `json:"soft_warning"`
	HardExceeded bool    `json:"hard_exceeded"`
	UsagePct     float64 `json:"usage_pct"`
}

// ─── Webhook events ──────────────────────────────────────────────────────────

// EventType identifies the kind of domain event dispatched to webhooks and
// the admin event stream.
type EventType string

const (
	EventCommitCreated    EventType = "commit.created"
	EventRefUpdated       EventType = "ref.updated"
	EventJobSucceeded     EventType = "job.succeeded"
	EventJobFailed        EventType = "job.failed"
	EventJobDeadLettered  EventType = "job.dead_lettered"
	EventPolicyDenied     EventType = "policy.denied"
	EventEntryQuarantined EventType = "entry.quarantined"
)

// WebhookPayload is the canonical JSON document signed and POSTed to
// subscribers (spec §6).
type WebhookPayload struct {
	Event      EventType `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	Repo       string    `json:"repo"`
	Ref        string    `json:"ref,omitempty"`
	Commit     string    `json:"commit,omitempty"`
	Entry      string    `json:"entry,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}

// ─── Time ────────────────────────────────────────────────────────────────────

// TimeRange defines an inclusive time interval for filtering queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
