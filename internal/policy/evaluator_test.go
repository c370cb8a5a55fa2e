package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/pkg/types"
)

func mustPolicy(t *testing.T, subject, action, resource, effect, condition string) db.Policy {
	t.Helper()
	p := db.Policy{
		SubjectSelector:   subject,
		ActionSelector:    action,
		ResourceSelector:  resource,
		Effect:            effect,
		Condition:         condition,
		Enabled:           true,
	}
	p.ID = uuid.New()
	return p
}

func TestEvaluateDefaultDeny(t *testing.T) {
	e := New()
	req := types.Request{Subject: types.Subject{ID: "u1", Role: "reader"}, Action: "write", Resource: "repo:r1/a.txt"}
	decision, err := e.Evaluate(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Effect != types.EffectDeny {
		t.Fatalf("expected default deny, got %s", decision.Effect)
	}
}

func TestEvaluateAllowMatches(t *testing.T) {
	e := New()
	p := mustPolicy(t, `{"role":"writer"}`, `{"action":"write"}`, `{"resource":"*"}`, "allow", "{}")
	req := types.Request{Subject: types.Subject{ID: "u1", Role: "writer"}, Action: "write", Resource: "repo:r1/a.txt"}

	decision, err := e.Evaluate(context.Background(), req, []db.Policy{p})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Effect != types.EffectAllow {
		t.Fatalf("expected allow, got %s: %s", decision.Effect, decision.Reason)
	}
	if decision.MatchedPolicy != p.ID.String() {
		t.Fatalf("expected matched policy %s, got %s", p.ID, decision.MatchedPolicy)
	}
}

func TestEvaluateDenyWinsOverAllow(t *testing.T) {
	e := New()
	allow := mustPolicy(t, `{"role":"*"}`, `{"action":"write"}`, `{"resource":"*"}`, "allow", "{}")
	deny := mustPolicy(t, `{"role":"writer"}`, `{"action":"write"}`, `{"resource":"*"}`, "deny", "{}")
	req := types.Request{Subject: types.Subject{ID: "u1", Role: "writer"}, Action: "write", Resource: "repo:r1/a.txt"}

	decision, err := e.Evaluate(context.Background(), req, []db.Policy{allow, deny})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Effect != types.EffectDeny {
		t.Fatalf("expected deny to win, got %s", decision.Effect)
	}
}

func TestEvaluateMostSpecificAllowWins(t *testing.T) {
	e := New()
	broad := mustPolicy(t, `{"role":"*"}`, `{"action":"*"}`, `{"resource":"*"}`, "allow", "{}")
	narrow := mustPolicy(t, `{"role":"writer","id":"u1"}`, `{"action":"write"}`, `{"resource":"*"}`, "allow", "{}")
	req := types.Request{Subject: types.Subject{ID: "u1", Role: "writer"}, Action: "write", Resource: "repo:r1/a.txt"}

	decision, err := e.Evaluate(context.Background(), req, []db.Policy{broad, narrow})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.MatchedPolicy != narrow.ID.String() {
		t.Fatalf("expected the more specific policy %s to win, got %s", narrow.ID, decision.MatchedPolicy)
	}
}

func TestEvaluateConditionOverContext(t *testing.T) {
	e := New()
	p := mustPolicy(t, `{"role":"*"}`, `{"action":"read"}`, `{"resource":"*"}`, "allow", `{"classification":"public"}`)
	req := types.Request{
		Subject:  types.Subject{ID: "u1", Role: "reader"},
		Action:   "read",
		Resource: "repo:r1/a.txt",
		Context:  map[string]any{"classification": "confidential"},
	}

	decision, err := e.Evaluate(context.Background(), req, []db.Policy{p})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Effect != types.EffectDeny {
		t.Fatalf("expected condition mismatch to fall through to default deny, got %s", decision.Effect)
	}
}

func TestEvaluateGroupSelectorMatchesAnyMember(t *testing.T) {
	e := New()
	p := mustPolicy(t, `{"groups":"admins"}`, `{"action":"*"}`, `{"resource":"*"}`, "allow", "{}")
	req := types.Request{Subject: types.Subject{ID: "u1", Role: "reader", Groups: []string{"eng", "admins"}}, Action: "write", Resource: "repo:r1/a.txt"}

	decision, err := e.Evaluate(context.Background(), req, []db.Policy{p})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Effect != types.EffectAllow {
		t.Fatalf("expected group membership match to allow, got %s", decision.Effect)
	}
}
