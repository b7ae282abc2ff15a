package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/rbac"
)

type checkPermissionRequest struct {
	UserID   string        `json:"user_id"`
	Resource string        `json:"resource"`
	Action   string        `json:"action"`
	Context  *rbac.Context `json:"context,omitempty"`
}

type createRoleRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Priority    int               `json:"priority"`
	Permissions []rbac.Permission `json:"permissions"`
}

type updateRoleRequest struct {
	Description *string            `json:"description,omitempty"`
	Priority    *int               `json:"priority,omitempty"`
	Permissions *[]rbac.Permission `json:"permissions,omitempty"`
}

type assignRoleRequest struct {
	RoleID    string     `json:"role_id"`
	TeamID    string     `json:"team_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.actorID(w, r); !ok {
		return
	}
	var req checkPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	decision := a.rbac.CheckPermission(r.Context(), req.UserID,
		rbac.Resource(req.Resource), rbac.Action(req.Action), req.Context)
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.actorID(w, r); !ok {
			return
		}
		roles, err := a.rbac.GetRoles(r.Context())
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	case http.MethodPost:
		a.createRole(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), actor, rbac.Role{
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		Permissions: req.Permissions,
	})
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleCreate, map[string]any{
		"role_id": role.ID,
		"name":    role.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/roles/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	roleID := parts[0]

	switch r.Method {
	case http.MethodGet:
		if _, ok := a.actorID(w, r); !ok {
			return
		}
		role, err := a.rbac.GetRole(r.Context(), roleID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), actor, roleID, rbac.RoleUpdate{
			Description: req.Description,
			Priority:    req.Priority,
			Permissions: req.Permissions,
		})
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventRoleUpdate, map[string]any{"role_id": roleID})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		actor, ok := a.actorID(w, r)
		if !ok {
			return
		}
		if err := a.rbac.DeleteRole(r.Context(), actor, roleID); err != nil {
			handleRBACError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventRoleDelete, map[string]any{"role_id": roleID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

// handleUserResource routes /v1/users/{id}/roles, /v1/users/{id}/roles/{roleID}
// and /v1/users/{id}/permissions.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/users/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch parts[1] {
	case "roles":
		switch len(parts) {
		case 2:
			a.assignUserRole(w, r, userID)
		case 3:
			a.revokeUserRole(w, r, userID, parts[2])
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	case "permissions":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.getUserPermissions(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) assignUserRole(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.RoleID = strings.TrimSpace(req.RoleID)
	if req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	assignment, err := a.rbac.AssignRole(r.Context(), actor, userID, req.RoleID, req.TeamID, req.ExpiresAt)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleAssign, map[string]any{
		"user_id": userID,
		"role_id": assignment.RoleID,
		"team_id": assignment.TeamID,
	})
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) revokeUserRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	teamID := r.URL.Query().Get("team_id")
	if err := a.rbac.RevokeRole(r.Context(), actor, userID, roleID, teamID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleRevoke, map[string]any{
		"user_id": userID,
		"role_id": roleID,
		"team_id": teamID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.actorID(w, r); !ok {
		return
	}
	perms, err := a.rbac.GetUserPermissions(r.Context(), userID, r.URL.Query().Get("team_id"))
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, rbac.ErrSystemRole), errors.Is(err, rbac.ErrRoleInUse), errors.Is(err, rbac.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "rbac operation failed")
	}
}
