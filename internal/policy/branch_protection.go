package policy

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/pkg/types"
)

// CommitProposal is the subset of a proposed commit the branch-protection
// sub-evaluator needs to decide admission.
type CommitProposal struct {
	CommitID       uuid.UUID
	ProposedParent *uuid.UUID
	CurrentTip     *uuid.UUID
	ReviewersCount int
	SchemaPassed   bool
	IsDelete       bool
}

// EvaluateBranchProtection implements spec §4.3's branch-protection
// sub-evaluator: given a ProtectedRef and a commit proposal, returns
// {allowed, reasons, missing-checks, missing-reviewers-count}.
func EvaluateBranchProtection(protected db.ProtectedRef, subject types.Subject, proposal CommitProposal, checks []db.CheckResult) types.BranchProtectionResult {
	var reasons []string
	var missingChecks []string

	if protected.RequireAdmin && !subject.Admin {
		reasons = append(reasons, "subject is not an admin")
	}

	if protected.RequireSchemaPass && !proposal.SchemaPassed {
		reasons = append(reasons, "schema validation did not pass")
	}

	required := parseRequiredChecks(protected.RequiredChecks)
	satisfied := make(map[string]bool, len(checks))
	for _, c := range checks {
		if c.CommitID == proposal.CommitID && c.Status == "success" {
			satisfied[c.Name] = true
		}
	}
	for _, name := range required {
		if !satisfied[name] {
			missingChecks = append(missingChecks, name)
		}
	}
	if len(missingChecks) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d required check(s) have not succeeded", len(missingChecks)))
	}

	missingReviewers := 0
	if proposal.ReviewersCount < protected.RequiredReviewers {
		missingReviewers = protected.RequiredReviewers - proposal.ReviewersCount
		reasons = append(reasons, fmt.Sprintf("%d more reviewer approval(s) required", missingReviewers))
	}

	if proposal.IsDelete && !protected.AllowDelete {
		reasons = append(reasons, "ref deletion is not allowed")
	}

	if !protected.AllowFastForward && !sameParent(proposal.ProposedParent, proposal.CurrentTip) {
		reasons = append(reasons, "fast-forward is disabled: proposed parent must be the current ref tip")
	}

	return types.BranchProtectionResult{
		Allowed:               len(reasons) == 0,
		Reasons:               reasons,
		MissingChecks:         missingChecks,
		MissingReviewersCount: missingReviewers,
	}
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func parseRequiredChecks(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
