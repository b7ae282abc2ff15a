package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/policy"
)

type createPolicyRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Type        string             `json:"type"`
	Enabled     bool               `json:"enabled"`
	Config      policy.Config      `json:"config"`
	Enforcement policy.Enforcement `json:"enforcement"`
}

type resolveViolationRequest struct {
	Resolution string `json:"resolution"`
}

type checkPasswordRequest struct {
	TeamID   string `json:"team_id"`
	Password string `json:"password"`
}

type checkSessionRequest struct {
	TeamID       string    `json:"team_id"`
	LastActivity time.Time `json:"last_activity"`
}

type checkIPRequest struct {
	TeamID string `json:"team_id"`
	IP     string `json:"ip"`
}

func (a *API) handleTeamPolicies(w http.ResponseWriter, r *http.Request, teamID string) {
	switch r.Method {
	case http.MethodGet:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		policies, err := a.policy.GetPolicies(r.Context(), actor, teamID)
		if err != nil {
			handlePolicyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": policies})
	case http.MethodPost:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		var req createPolicyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err := a.policy.CreatePolicy(r.Context(), actor, policy.TeamPolicy{
			TeamID:      teamID,
			Name:        req.Name,
			Description: req.Description,
			Type:        policy.Type(req.Type),
			Enabled:     req.Enabled,
			Config:      req.Config,
			Enforcement: req.Enforcement,
		})
		if err != nil {
			handlePolicyError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventPolicyCreate, map[string]any{
			"policy_id": p.ID,
			"team_id":   teamID,
			"type":      string(p.Type),
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/policies/%s", p.ID))
		writeJSON(w, http.StatusCreated, p)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTeamViolations(w http.ResponseWriter, r *http.Request, teamID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter := policy.ViolationFilter{
		UserID:     r.URL.Query().Get("user_id"),
		PolicyType: policy.Type(r.URL.Query().Get("type")),
		Unresolved: r.URL.Query().Get("unresolved") == "true",
		Limit:      limit,
	}
	violations, err := a.policy.GetPolicyViolations(r.Context(), actor, teamID, filter)
	if err != nil {
		handlePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": violations})
}

func (a *API) handlePolicyResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/policies/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	policyID := parts[0]

	switch r.Method {
	case http.MethodPatch:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		var upd policy.PolicyUpdate
		if err := decodeJSON(w, r, &upd); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err := a.policy.UpdatePolicy(r.Context(), actor, policyID, upd)
		if err != nil {
			handlePolicyError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventPolicyUpdate, map[string]any{"policy_id": policyID})
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		if err := a.policy.DeletePolicy(r.Context(), actor, policyID); err != nil {
			handlePolicyError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventPolicyDelete, map[string]any{"policy_id": policyID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.actorID(w, r); !ok {
		return
	}
	var in policy.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.TeamID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and team_id are required")
		return
	}
	writeJSON(w, http.StatusOK, a.policy.Evaluate(r.Context(), in))
}

// handlePolicyChecks serves the fast-path single-policy checks:
// /v1/policies/checks/{password|session|ip}.
func (a *API) handlePolicyChecks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.actorID(w, r); !ok {
		return
	}
	parts := splitPath(r, "/v1/policies/checks/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch parts[0] {
	case "password":
		var req checkPasswordRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, a.policy.CheckPassword(r.Context(), req.TeamID, req.Password))
	case "session":
		var req checkSessionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, a.policy.CheckSession(r.Context(), req.TeamID, req.LastActivity))
	case "ip":
		var req checkIPRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, a.policy.CheckIP(r.Context(), req.TeamID, req.IP))
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleViolationResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/violations/")
	if len(parts) != 2 || parts[1] != "resolve" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	var req resolveViolationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.policy.ResolveViolation(r.Context(), actor, parts[0], req.Resolution)
	if err != nil {
		handlePolicyError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPolicyViolationResolve, map[string]any{"violation_id": v.ID})
	writeJSON(w, http.StatusOK, v)
}

func handlePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, policy.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "policy operation failed")
	}
}
