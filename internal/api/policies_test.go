package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

func TestSpecificity(t *testing.T) {
	cases := []struct {
		name string
		sels []json.RawMessage
		want int
	}{
		{"all wildcard", []json.RawMessage{[]byte(`{"role":"*"}`), []byte(`{"action":"*"}`)}, 0},
		{"one concrete field", []json.RawMessage{[]byte(`{"role":"admin"}`)}, 1},
		{"mixed", []json.RawMessage{[]byte(`{"role":"admin","team":"*"}`), []byte(`{"path":"docs/"}`)}, 2},
		{"empty selector", []json.RawMessage{nil, []byte(`{}`)}, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := specificity(c.sels...)
			if got != c.want {
				t.Errorf("specificity(%v) = %d, want %d", c.sels, got, c.want)
			}
		})
	}
}

// fakePolicyRepository is an in-memory repository.PolicyRepository for
// handler-level tests, mirroring the in-memory fakes internal/commit's
// engine_test.go uses for its own dependencies.
type fakePolicyRepository struct {
	policies map[uuid.UUID]*db.Policy
}

func newFakePolicyRepository() *fakePolicyRepository {
	return &fakePolicyRepository{policies: make(map[uuid.UUID]*db.Policy)}
}

func (f *fakePolicyRepository) Create(_ context.Context, p *db.Policy) error {
	p.ID = uuid.New()
	f.policies[p.ID] = p
	return nil
}

func (f *fakePolicyRepository) GetByID(_ context.Context, id uuid.UUID) (*db.Policy, error) {
	p, ok := f.policies[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (f *fakePolicyRepository) Update(_ context.Context, p *db.Policy) error {
	if _, ok := f.policies[p.ID]; !ok {
		return repository.ErrNotFound
	}
	f.policies[p.ID] = p
	return nil
}

func (f *fakePolicyRepository) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.policies[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.policies, id)
	return nil
}

func (f *fakePolicyRepository) List(_ context.Context, _ repository.ListOptions) ([]db.Policy, int64, error) {
	out := make([]db.Policy, 0, len(f.policies))
	for _, p := range f.policies {
		out = append(out, *p)
	}
	return out, int64(len(out)), nil
}

func (f *fakePolicyRepository) ListCandidates(_ context.Context, _ string) ([]db.Policy, error) {
	return nil, nil
}

func newPolicyTestRequest(t *testing.T, method, id string, body any) *http.Request {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, "/api/v1/policies/"+id, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, "/api/v1/policies/"+id, nil)
	}
	rctx := chi.NewRouteContext()
	if id != "" {
		rctx.URLParams.Add("id", id)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestPolicyHandlerCreateRejectsInvalidEffect(t *testing.T) {
	h := NewPolicyHandler(newFakePolicyRepository(), zap.NewNop())

	r := newPolicyTestRequest(t, http.MethodPost, "", map[string]any{
		"tenant": "acme",
		"effect": "maybe",
	})
	w := httptest.NewRecorder()
	h.Create(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestPolicyHandlerCreateDefaultsAndComputesSpecificity(t *testing.T) {
	repo := newFakePolicyRepository()
	h := NewPolicyHandler(repo, zap.NewNop())

	r := newPolicyTestRequest(t, http.MethodPost, "", map[string]any{
		"tenant":           "acme",
		"effect":           "allow",
		"subject_selector": map[string]any{"role": "admin"},
	})
	w := httptest.NewRecorder()
	h.Create(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}
	if len(repo.policies) != 1 {
		t.Fatalf("expected 1 policy stored, got %d", len(repo.policies))
	}
	for _, p := range repo.policies {
		if !p.Enabled {
			t.Error("expected Enabled to default true")
		}
		if p.SpecificityFields != 1 {
			t.Errorf("SpecificityFields = %d, want 1", p.SpecificityFields)
		}
		if p.ResourceSelector != "{}" {
			t.Errorf("ResourceSelector default = %q, want {}", p.ResourceSelector)
		}
	}
}

func TestPolicyHandlerUpdateRecomputesSpecificity(t *testing.T) {
	repo := newFakePolicyRepository()
	existing := &db.Policy{
		Tenant:            "acme",
		SubjectSelector:   "{}",
		ActionSelector:    "{}",
		ResourceSelector:  "{}",
		Effect:            "allow",
		Condition:         "{}",
		Enabled:           true,
		SpecificityFields: 0,
	}
	existing.ID = uuid.New()
	repo.policies[existing.ID] = existing

	h := NewPolicyHandler(repo, zap.NewNop())
	r := newPolicyTestRequest(t, http.MethodPatch, existing.ID.String(), map[string]any{
		"subject_selector": map[string]any{"role": "admin", "team": "*"},
	})
	w := httptest.NewRecorder()
	h.Update(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	if repo.policies[existing.ID].SpecificityFields != 1 {
		t.Errorf("SpecificityFields = %d, want 1", repo.policies[existing.ID].SpecificityFields)
	}
}

func TestPolicyHandlerGetByIDNotFound(t *testing.T) {
	h := NewPolicyHandler(newFakePolicyRepository(), zap.NewNop())
	r := newPolicyTestRequest(t, http.MethodGet, uuid.New().String(), nil)
	w := httptest.NewRecorder()
	h.GetByID(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
