package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/scim"
)

type createAPIKeyRequest struct {
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	AllowedIPs []string   `json:"allowed_ips,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type syncRequest struct {
	Users []scim.SyncUser `json:"users"`
}

func (a *API) handleTeamAPIKeys(w http.ResponseWriter, r *http.Request, teamID string) {
	switch r.Method {
	case http.MethodGet:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		keys, err := a.scim.ListAPIKeys(r.Context(), actor, teamID)
		if err != nil {
			handleSCIMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": keys})
	case http.MethodPost:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		var req createAPIKeyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		secret, key, err := a.scim.GenerateAPIKey(r.Context(), actor, teamID, req.Name,
			req.Scopes, req.AllowedIPs, req.ExpiresAt)
		if err != nil {
			handleSCIMError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventAPIKeyCreate, map[string]any{
			"key_id":  key.ID,
			"team_id": teamID,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/api-keys/%s", key.ID))
		// The plaintext key is shown exactly once, at creation time.
		writeJSON(w, http.StatusCreated, map[string]any{
			"key":     secret,
			"api_key": key,
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/api-keys/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	if err := a.scim.RevokeAPIKey(r.Context(), actor, parts[0]); err != nil {
		handleSCIMError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventAPIKeyRevoke, map[string]any{"key_id": parts[0]})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTeamProvisioningLogs(w http.ResponseWriter, r *http.Request, teamID string) {
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
	logs, err := a.scim.GetProvisioningLogs(r.Context(), actor, teamID, limit)
	if err != nil {
		handleSCIMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (a *API) handleTeamSyncStatus(w http.ResponseWriter, r *http.Request, teamID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.actorID(w, r); !ok {
		return
	}
	status, err := a.scim.GetSyncStatus(r.Context(), teamID)
	if err != nil {
		handleSCIMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSCIMSync ingests a directory snapshot. Authenticated by API key,
// not by a user token.
func (a *API) handleSCIMSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	key, ok := a.authenticateAPIKey(w, r, scim.ScopeProvision)
	if !ok {
		return
	}
	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := a.scim.ProcessSync(r.Context(), key, req.Users)
	if err != nil {
		handleSCIMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleSCIMStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	key, ok := a.authenticateAPIKey(w, r, scim.ScopeReadSync)
	if !ok {
		return
	}
	status, err := a.scim.GetSyncStatus(r.Context(), key.TeamID)
	if err != nil {
		handleSCIMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) authenticateAPIKey(w http.ResponseWriter, r *http.Request, scope string) (*scim.APIKey, bool) {
	presented := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	key, err := a.scim.Authenticate(r.Context(), presented, clientIP(r), scope)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return key, true
}

func handleSCIMError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scim.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, scim.ErrInvalidKey):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, scim.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, scim.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "provisioning operation failed")
	}
}
