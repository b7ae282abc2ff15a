package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/vault"
)

type createVaultRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Settings    vault.Settings `json:"settings"`
}

type addAccountRequest struct {
	AccountID string `json:"account_id"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

type processApprovalRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (a *API) handleTeamVaults(w http.ResponseWriter, r *http.Request, teamID string) {
	switch r.Method {
	case http.MethodGet:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		vaults, err := a.vault.ListVaults(r.Context(), actor, teamID)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": vaults})
	case http.MethodPost:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		var req createVaultRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		v, err := a.vault.CreateVault(r.Context(), actor, teamID, req.Name, req.Description, req.Settings)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventVaultCreate, map[string]any{
			"vault_id": v.ID,
			"team_id":  teamID,
			"name":     v.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/vaults/%s", v.ID))
		writeJSON(w, http.StatusCreated, v)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleVaultResource routes /v1/vaults/{id} and its sub-resources.
func (a *API) handleVaultResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/vaults/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	vaultID := parts[0]

	if len(parts) == 1 {
		a.vaultResource(w, r, vaultID)
		return
	}

	switch parts[1] {
	case "accounts":
		switch len(parts) {
		case 2:
			a.addVaultAccount(w, r, vaultID)
		case 3:
			a.vaultAccountResource(w, r, vaultID, parts[2])
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	case "members":
		switch len(parts) {
		case 2:
			a.addVaultMember(w, r, vaultID)
		case 3:
			a.removeVaultMember(w, r, vaultID, parts[2])
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	case "logs":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.vaultAccessLogs(w, r, vaultID)
	case "approvals":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.vaultApprovals(w, r, vaultID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) vaultResource(w http.ResponseWriter, r *http.Request, vaultID string) {
	switch r.Method {
	case http.MethodGet:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		v, err := a.vault.GetVault(r.Context(), actor, vaultID)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	case http.MethodPatch:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		var upd vault.VaultUpdate
		if err := decodeJSON(w, r, &upd); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		v, approval, err := a.vault.UpdateVault(r.Context(), actor, vaultID, upd)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		if approval != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{"approval": approval})
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventVaultUpdate, map[string]any{"vault_id": vaultID})
		writeJSON(w, http.StatusOK, v)
	case http.MethodDelete:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		if err := a.vault.DeleteVault(r.Context(), actor, vaultID); err != nil {
			handleVaultError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventVaultDelete, map[string]any{"vault_id": vaultID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) addVaultAccount(w http.ResponseWriter, r *http.Request, vaultID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	var req addAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	approval, err := a.vault.AddAccountToVault(r.Context(), actor, vaultID, req.AccountID)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	if approval != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"approval": approval})
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventVaultAccountAdd, map[string]any{
		"vault_id":   vaultID,
		"account_id": req.AccountID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// vaultAccountResource serves GET (credential access) and DELETE (removal)
// on /v1/vaults/{id}/accounts/{accountID}.
func (a *API) vaultAccountResource(w http.ResponseWriter, r *http.Request, vaultID, accountID string) {
	switch r.Method {
	case http.MethodGet:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		cred, approval, err := a.vault.AccessVaultAccount(r.Context(), actor, vaultID, accountID)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		if approval != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{"approval": approval})
			return
		}
		writeJSON(w, http.StatusOK, cred)
	case http.MethodDelete:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		if err := a.vault.RemoveAccountFromVault(r.Context(), actor, vaultID, accountID); err != nil {
			handleVaultError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventVaultAccountRemove, map[string]any{
			"vault_id":   vaultID,
			"account_id": accountID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) addVaultMember(w http.ResponseWriter, r *http.Request, vaultID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	approval, err := a.vault.AddMemberToVault(r.Context(), actor, vaultID, req.UserID)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	if approval != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"approval": approval})
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventVaultMemberAdd, map[string]any{
		"vault_id": vaultID,
		"user_id":  req.UserID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) removeVaultMember(w http.ResponseWriter, r *http.Request, vaultID, userID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	approval, err := a.vault.RemoveMemberFromVault(r.Context(), actor, vaultID, userID)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	if approval != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"approval": approval})
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventVaultMemberRemove, map[string]any{
		"vault_id": vaultID,
		"user_id":  userID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) vaultAccessLogs(w http.ResponseWriter, r *http.Request, vaultID string) {
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
	logs, err := a.vault.GetVaultAccessLogs(r.Context(), actor, vaultID, limit)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (a *API) vaultApprovals(w http.ResponseWriter, r *http.Request, vaultID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	status := vault.ApprovalStatus(r.URL.Query().Get("status"))
	approvals, err := a.vault.ListApprovals(r.Context(), actor, vaultID, status)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": approvals})
}

func (a *API) handleApprovalResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/approvals/")
	if len(parts) != 1 {
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
	var req processApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	approval, err := a.vault.ProcessApproval(r.Context(), parts[0], actor, req.Approved, req.Reason)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventVaultApprovalResolve, map[string]any{
		"approval_id": approval.ID,
		"status":      string(approval.Status),
	})
	writeJSON(w, http.StatusOK, approval)
}

func handleVaultError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrUnauthorized), errors.Is(err, vault.ErrNotMember):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, vault.ErrApprovalRequired):
		writeError(w, r, http.StatusAccepted, err.Error())
	case errors.Is(err, vault.ErrCreatorRemoval), errors.Is(err, vault.ErrConflict),
		errors.Is(err, vault.ErrApprovalClosed), errors.Is(err, vault.ErrApprovalExpired):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "vault operation failed")
	}
}
