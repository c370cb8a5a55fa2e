package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// PolicyHandler manages ABAC rules. Evaluation (deny-wins, most-specific
// match) happens in internal/policy against the enabled set this repository
// exposes — this handler only does CRUD. All routes are admin-only.
type PolicyHandler struct {
	repo   repository.PolicyRepository
	logger *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler.
func NewPolicyHandler(repo repository.PolicyRepository, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{repo: repo, logger: logger.Named("policy_handler")}
}

type policyResponse struct {
	ID               string          `json:"id"`
	Tenant           string          `json:"tenant"`
	SubjectSelector  json.RawMessage `json:"subject_selector"`
	ActionSelector   json.RawMessage `json:"action_selector"`
	ResourceSelector json.RawMessage `json:"resource_selector"`
	Effect           string          `json:"effect"`
	Condition        json.RawMessage `json:"condition"`
	Enabled          bool            `json:"enabled"`
	CreatedAt        string          `json:"created_at"`
}

func policyToResponse(p *db.Policy) policyResponse {
	return policyResponse{
		ID:               p.ID.String(),
		Tenant:           p.Tenant,
		SubjectSelector:  json.RawMessage(p.SubjectSelector),
		ActionSelector:   json.RawMessage(p.ActionSelector),
		ResourceSelector: json.RawMessage(p.ResourceSelector),
		Effect:           p.Effect,
		Condition:        json.RawMessage(p.Condition),
		Enabled:          p.Enabled,
		CreatedAt:        p.CreatedAt.UTC().String(),
	}
}

type listPoliciesResponse struct {
	Items []policyResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/policies.
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	policies, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list policies", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]policyResponse, len(policies))
	for i := range policies {
		items[i] = policyToResponse(&policies[i])
	}
	Ok(w, listPoliciesResponse{Items: items, Total: total})
}

// createPolicyRequest is the JSON body for POST /api/v1/policies.
// Selector/condition fields are raw JSON objects, matched by internal/policy
// against the requesting subject, action, and resource at evaluation time.
type createPolicyRequest struct {
	Tenant           string          `json:"tenant"`
	SubjectSelector  json.RawMessage `json:"subject_selector"`
	ActionSelector   json.RawMessage `json:"action_selector"`
	ResourceSelector json.RawMessage `json:"resource_selector"`
	Effect           string          `json:"effect"`
	Condition        json.RawMessage `json:"condition"`
	Enabled          *bool           `json:"enabled"`
}

// specificity counts the non-wildcard top-level keys across a policy's
// selectors — used so the evaluator can prefer more specific rules without
// re-parsing JSON on every request.
func specificity(selectors ...json.RawMessage) int {
	count := 0
	for _, sel := range selectors {
		if len(sel) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sel, &m); err != nil {
			continue
		}
		for _, v := range m {
			if s, ok := v.(string); ok && s == "*" {
				continue
			}
			count++
		}
	}
	return count
}

// Create handles POST /api/v1/policies.
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Effect != "allow" && req.Effect != "deny" {
		ErrBadRequest(w, "effect must be 'allow' or 'deny'")
		return
	}
	if len(req.SubjectSelector) == 0 {
		req.SubjectSelector = json.RawMessage("{}")
	}
	if len(req.ActionSelector) == 0 {
		req.ActionSelector = json.RawMessage("{}")
	}
	if len(req.ResourceSelector) == 0 {
		req.ResourceSelector = json.RawMessage("{}")
	}
	if len(req.Condition) == 0 {
		req.Condition = json.RawMessage("{}")
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	policy := &db.Policy{
		Tenant:            req.Tenant,
		SubjectSelector:   string(req.SubjectSelector),
		ActionSelector:    string(req.ActionSelector),
		ResourceSelector:  string(req.ResourceSelector),
		Effect:            req.Effect,
		Condition:         string(req.Condition),
		Enabled:           enabled,
		SpecificityFields: specificity(req.SubjectSelector, req.ActionSelector, req.ResourceSelector),
	}
	if err := h.repo.Create(r.Context(), policy); err != nil {
		h.logger.Error("failed to create policy", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, policyToResponse(policy))
}

// GetByID handles GET /api/v1/policies/{id}.
func (h *PolicyHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	policy, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get policy", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, policyToResponse(policy))
}

// updatePolicyRequest is the JSON body for PATCH /api/v1/policies/{id}.
type updatePolicyRequest struct {
	SubjectSelector  json.RawMessage `json:"subject_selector"`
	ActionSelector   json.RawMessage `json:"action_selector"`
	ResourceSelector json.RawMessage `json:"resource_selector"`
	Effect           *string         `json:"effect"`
	Condition        json.RawMessage `json:"condition"`
	Enabled          *bool           `json:"enabled"`
}

// Update handles PATCH /api/v1/policies/{id}.
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updatePolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	policy, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get policy for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Effect != nil {
		if *req.Effect != "allow" && *req.Effect != "deny" {
			ErrBadRequest(w, "effect must be 'allow' or 'deny'")
			return
		}
		policy.Effect = *req.Effect
	}
	if len(req.SubjectSelector) > 0 {
		policy.SubjectSelector = string(req.SubjectSelector)
	}
	if len(req.ActionSelector) > 0 {
		policy.ActionSelector = string(req.ActionSelector)
	}
	if len(req.ResourceSelector) > 0 {
		policy.ResourceSelector = string(req.ResourceSelector)
	}
	if len(req.Condition) > 0 {
		policy.Condition = string(req.Condition)
	}
	if req.Enabled != nil {
		policy.Enabled = *req.Enabled
	}
	policy.SpecificityFields = specificity(
		json.RawMessage(policy.SubjectSelector),
		json.RawMessage(policy.ActionSelector),
		json.RawMessage(policy.ResourceSelector),
	)

	if err := h.repo.Update(r.Context(), policy); err != nil {
		h.logger.Error("failed to update policy", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, policyToResponse(policy))
}

// Delete handles DELETE /api/v1/policies/{id}.
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete policy", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
