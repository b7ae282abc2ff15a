package httpapi

import (
	"net/http"
)

// handleTeamScoped routes /v1/teams/{teamID}/... to the owning domain.
func (a *API) handleTeamScoped(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/teams/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	teamID := parts[0]
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch parts[1] {
	case "policies":
		a.handleTeamPolicies(w, r, teamID)
	case "violations":
		a.handleTeamViolations(w, r, teamID)
	case "vaults":
		a.handleTeamVaults(w, r, teamID)
	case "api-keys":
		a.handleTeamAPIKeys(w, r, teamID)
	case "provisioning-logs":
		a.handleTeamProvisioningLogs(w, r, teamID)
	case "sync-status":
		a.handleTeamSyncStatus(w, r, teamID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
