// Package policy implements the attribute-based access decision engine
// (spec C3): a deny-wins, most-specific-match evaluator over stored
// policy rows, plus the branch-protection and quota sub-evaluators the
// commit engine consults alongside it.
//
// Policies are authored as structured selector rows, not raw Rego source.
// The Condition document (a small attribute predicate over the request's
// context map) is compiled into an embedded Rego module at evaluation
// time — the public contract stays evaluate(request) -> decision while the
// actual predicate language is OPA's own expression language restricted to
// a single boolean.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/pkg/types"
)

// selector is the parsed form of a Policy's {Subject,Action,Resource}Selector
// JSON columns: field name -> exact-match value, "*" meaning wildcard.
type selector map[string]string

// candidate pairs a parsed Policy with its precomputed matching metadata.
type candidate struct {
	policy     db.Policy
	subject    selector
	action     selector
	resource   selector
	specificity int
}

// Evaluator evaluates ABAC requests against a fixed snapshot of policy rows.
// Callers load the candidate set for a (tenant, resource-prefix) bucket via
// their own repository query and pass it in per spec §4.3 step 2 — the
// evaluator itself performs no I/O, keeping it pure and unit-testable.
type Evaluator struct{}

// New returns a policy Evaluator. It holds no state; it is a receiver only
// so call sites read like policy.New().Evaluate(...) alongside the other
// component constructors.
func New() *Evaluator { return &Evaluator{} }

// Evaluate runs spec §4.3's algorithm over candidates: deny wins if any
// explicit deny matches; otherwise the most-specific matching allow wins,
// ties broken by policy id order; otherwise default deny.
func (e *Evaluator) Evaluate(ctx context.Context, req types.Request, policies []db.Policy) (types.Decision, error) {
	candidates := make([]candidate, 0, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		c, err := parseCandidate(p)
		if err != nil {
			return types.Decision{}, fmt.Errorf("policy: parse %s: %w", p.ID, err)
		}
		candidates = append(candidates, c)
	}

	var (
		matchedDeny  *candidate
		matchedAllow *candidate
	)

	for i := range candidates {
		c := &candidates[i]
		if !matches(c.subject, subjectFields(req.Subject)) ||
			!matches(c.action, map[string]string{"action": req.Action}) ||
			!matches(c.resource, map[string]string{"resource": req.Resource}) {
			continue
		}

		ok, err := evalCondition(ctx, c.policy.Condition, req.Context)
		if err != nil {
			return types.Decision{}, fmt.Errorf("policy: evaluate condition %s: %w", c.policy.ID, err)
		}
		if !ok {
			continue
		}

		if c.policy.Effect == string(types.EffectDeny) {
			if matchedDeny == nil || moreSpecific(c, matchedDeny) {
				matchedDeny = c
			}
			continue
		}
		if matchedAllow == nil || moreSpecific(c, matchedAllow) {
			matchedAllow = c
		}
	}

	if matchedDeny != nil {
		return types.Decision{Effect: types.EffectDeny, MatchedPolicy: matchedDeny.policy.ID.String(), Reason: "explicit deny policy matched"}, nil
	}
	if matchedAllow != nil {
		return types.Decision{Effect: types.EffectAllow, MatchedPolicy: matchedAllow.policy.ID.String(), Reason: "allow policy matched"}, nil
	}
	return types.Decision{Effect: types.EffectDeny, Reason: "default deny: no policy matched"}, nil
}

func moreSpecific(a, b *candidate) bool {
	if a.specificity != b.specificity {
		return a.specificity > b.specificity
	}
	return a.policy.ID.String() < b.policy.ID.String()
}

func subjectFields(s types.Subject) map[string]string {
	fields := map[string]string{"id": s.ID, "role": s.Role}
	// Groups/scopes are multi-valued; the selector matches if the selector
	// value is "*" or equals any one of them (handled in matches via a
	// synthetic csv join so exact-match semantics stay uniform).
	fields["groups"] = joinCSV(s.Groups)
	fields["scopes"] = joinCSV(s.Scopes)
	return fields
}

func joinCSV(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

// matches reports whether every field in sel matches the corresponding
// value in fields. A selector with no entry for a field, or "*", matches
// anything (a wildcard, not counted toward specificity — see
// parseCandidate). Multi-valued fields (groups, scopes) match if the
// selector value appears anywhere in the comma-joined field value.
func matches(sel selector, fields map[string]string) bool {
	for field, want := range sel {
		if want == "*" || want == "" {
			continue
		}
		got, ok := fields[field]
		if !ok {
			return false
		}
		if field == "groups" || field == "scopes" {
			if !containsCSV(got, want) {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func containsCSV(csv, want string) bool {
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if csv[start:i] == want {
				return true
			}
			start = i + 1
		}
	}
	return false
}

func parseCandidate(p db.Policy) (candidate, error) {
	var subj, act, res selector
	if err := json.Unmarshal([]byte(p.SubjectSelector), &subj); err != nil {
		return candidate{}, fmt.Errorf("subject_selector: %w", err)
	}
	if err := json.Unmarshal([]byte(p.ActionSelector), &act); err != nil {
		return candidate{}, fmt.Errorf("action_selector: %w", err)
	}
	if err := json.Unmarshal([]byte(p.ResourceSelector), &res); err != nil {
		return candidate{}, fmt.Errorf("resource_selector: %w", err)
	}
	return candidate{
		policy:      p,
		subject:     subj,
		action:      act,
		resource:    res,
		specificity: countNonWildcard(subj) + countNonWildcard(act) + countNonWildcard(res),
	}, nil
}

func countNonWildcard(sel selector) int {
	n := 0
	for _, v := range sel {
		if v != "*" && v != "" {
			n++
		}
	}
	return n
}

// evalCondition compiles condition (a JSON document of the form
// {"field": "value", ...} describing equality constraints over the
// request's context map) into a single Rego boolean expression and
// evaluates it. An empty/"{}" condition always matches. Evaluation is pure
// over its inputs: no builtins with wall-clock or I/O access are enabled.
func evalCondition(ctx context.Context, condition string, reqContext map[string]any) (bool, error) {
	var cond map[string]any
	if err := json.Unmarshal([]byte(condition), &cond); err != nil {
		return false, fmt.Errorf("condition: %w", err)
	}
	if len(cond) == 0 {
		return true, nil
	}

	module := buildRegoModule(cond)
	r := rego.New(
		rego.Query("data.blacklake.allow"),
		rego.Module("condition.rego", module),
		rego.Input(map[string]any{"context": reqContext}),
	)

	rs, err := r.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("rego eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := rs[0].Expressions[0].Value.(bool)
	return allowed, nil
}

// buildRegoModule renders a Rego module whose `allow` rule is true iff
// every key in cond equals the corresponding input.context value.
func buildRegoModule(cond map[string]any) string {
	keys := make([]string, 0, len(cond))
	for k := range cond {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	body := "package blacklake\n\ndefault allow = false\n\nallow {\n"
	for _, k := range keys {
		v, _ := json.Marshal(cond[k])
		body += fmt.Sprintf("\tinput.context[%q] == %s\n", k, string(v))
	}
	body += "}\n"
	return body
}
