package policy

import (
	"testing"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/pkg/types"
)

func TestEvaluateBranchProtectionHappyPath(t *testing.T) {
	tip := uuid.New()
	protected := db.ProtectedRef{AllowFastForward: false, RequiredReviewers: 1, RequiredChecks: `["ci"]`}
	commitID := uuid.New()
	proposal := CommitProposal{CommitID: commitID, ProposedParent: &tip, CurrentTip: &tip, ReviewersCount: 1}
	checks := []db.CheckResult{{RepoID: uuid.New(), CommitID: commitID, Name: "ci", Status: "success"}}

	result := EvaluateBranchProtection(protected, types.Subject{}, proposal, checks)
	if !result.Allowed {
		t.Fatalf("expected allowed, got reasons: %v", result.Reasons)
	}
}

func TestEvaluateBranchProtectionMissingCheckAndReviewers(t *testing.T) {
	tip := uuid.New()
	protected := db.ProtectedRef{AllowFastForward: true, RequiredReviewers: 2, RequiredChecks: `["ci","lint"]`}
	commitID := uuid.New()
	proposal := CommitProposal{CommitID: commitID, ProposedParent: &tip, CurrentTip: &tip, ReviewersCount: 0}
	checks := []db.CheckResult{{RepoID: uuid.New(), CommitID: commitID, Name: "ci", Status: "success"}}

	result := EvaluateBranchProtection(protected, types.Subject{}, proposal, checks)
	if result.Allowed {
		t.Fatalf("expected denial")
	}
	if len(result.MissingChecks) != 1 || result.MissingChecks[0] != "lint" {
		t.Fatalf("expected missing check 'lint', got %v", result.MissingChecks)
	}
	if result.MissingReviewersCount != 2 {
		t.Fatalf("expected 2 missing reviewers, got %d", result.MissingReviewersCount)
	}
}

func TestEvaluateBranchProtectionRequireAdminDenied(t *testing.T) {
	protected := db.ProtectedRef{RequireAdmin: true, AllowFastForward: true}
	result := EvaluateBranchProtection(protected, types.Subject{Admin: false}, CommitProposal{}, nil)
	if result.Allowed {
		t.Fatalf("expected denial for non-admin subject")
	}
}

func TestEvaluateBranchProtectionNoFastForward(t *testing.T) {
	tip := uuid.New()
	otherParent := uuid.New()
	protected := db.ProtectedRef{AllowFastForward: false}
	proposal := CommitProposal{ProposedParent: &otherParent, CurrentTip: &tip}

	result := EvaluateBranchProtection(protected, types.Subject{}, proposal, nil)
	if result.Allowed {
		t.Fatalf("expected denial: proposed parent is not the current tip and fast-forward is disabled")
	}
}
