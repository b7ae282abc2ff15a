package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"vaultguard.org/internal/obs"
	"vaultguard.org/internal/policy"
	"vaultguard.org/internal/rbac"
	"vaultguard.org/internal/scim"
	"vaultguard.org/internal/vault"
)

// ReadyProbe reports readiness, typically by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// RBACService is the slice of the role service the HTTP layer consumes.
type RBACService interface {
	CheckPermission(ctx context.Context, userID string, resource rbac.Resource, action rbac.Action, pctx *rbac.Context) rbac.Decision
	AssignRole(ctx context.Context, actorID, userID, roleID, teamID string, expiresAt *time.Time) (*rbac.UserRole, error)
	RevokeRole(ctx context.Context, actorID, userID, roleID, teamID string) error
	CreateRole(ctx context.Context, actorID string, role rbac.Role) (*rbac.Role, error)
	UpdateRole(ctx context.Context, actorID, roleID string, upd rbac.RoleUpdate) (*rbac.Role, error)
	DeleteRole(ctx context.Context, actorID, roleID string) error
	GetRoles(ctx context.Context) ([]*rbac.Role, error)
	GetRole(ctx context.Context, roleID string) (*rbac.Role, error)
	GetUserPermissions(ctx context.Context, userID, teamID string) ([]rbac.Permission, error)
}

// PolicyService is the slice of the policy service the HTTP layer consumes.
type PolicyService interface {
	CreatePolicy(ctx context.Context, actorID string, p policy.TeamPolicy) (*policy.TeamPolicy, error)
	UpdatePolicy(ctx context.Context, actorID, policyID string, upd policy.PolicyUpdate) (*policy.TeamPolicy, error)
	DeletePolicy(ctx context.Context, actorID, policyID string) error
	GetPolicies(ctx context.Context, actorID, teamID string) ([]*policy.TeamPolicy, error)
	GetPolicyViolations(ctx context.Context, actorID, teamID string, filter policy.ViolationFilter) ([]*policy.Violation, error)
	ResolveViolation(ctx context.Context, actorID, violationID, resolution string) (*policy.Violation, error)
	Evaluate(ctx context.Context, in policy.Input) policy.Outcome
	CheckPassword(ctx context.Context, teamID, password string) policy.CheckResult
	CheckSession(ctx context.Context, teamID string, lastActivity time.Time) policy.CheckResult
	CheckIP(ctx context.Context, teamID, ip string) policy.CheckResult
}

// VaultService is the slice of the vault service the HTTP layer consumes.
type VaultService interface {
	CreateVault(ctx context.Context, actorID, teamID, name, description string, settings vault.Settings) (*vault.TeamVault, error)
	GetVault(ctx context.Context, actorID, vaultID string) (*vault.TeamVault, error)
	ListVaults(ctx context.Context, actorID, teamID string) ([]*vault.TeamVault, error)
	UpdateVault(ctx context.Context, actorID, vaultID string, upd vault.VaultUpdate) (*vault.TeamVault, *vault.VaultApproval, error)
	DeleteVault(ctx context.Context, actorID, vaultID string) error
	AddAccountToVault(ctx context.Context, actorID, vaultID, accountID string) (*vault.VaultApproval, error)
	RemoveAccountFromVault(ctx context.Context, actorID, vaultID, accountID string) error
	AddMemberToVault(ctx context.Context, actorID, vaultID, userID string) (*vault.VaultApproval, error)
	RemoveMemberFromVault(ctx context.Context, actorID, vaultID, userID string) (*vault.VaultApproval, error)
	AccessVaultAccount(ctx context.Context, actorID, vaultID, accountID string) (*vault.Credential, *vault.VaultApproval, error)
	ProcessApproval(ctx context.Context, approvalID, approverID string, approved bool, reason string) (*vault.VaultApproval, error)
	ListApprovals(ctx context.Context, actorID, vaultID string, status vault.ApprovalStatus) ([]*vault.VaultApproval, error)
	GetVaultAccessLogs(ctx context.Context, actorID, vaultID string, limit int) ([]*vault.AccessLog, error)
}

// SCIMService is the slice of the provisioning service the HTTP layer consumes.
type SCIMService interface {
	GenerateAPIKey(ctx context.Context, actorID, teamID, name string, scopes, allowedIPs []string, expiresAt *time.Time) (string, *scim.APIKey, error)
	RevokeAPIKey(ctx context.Context, actorID, keyID string) error
	ListAPIKeys(ctx context.Context, actorID, teamID string) ([]*scim.APIKey, error)
	Authenticate(ctx context.Context, presented, remoteIP, requiredScope string) (*scim.APIKey, error)
	ProcessSync(ctx context.Context, key *scim.APIKey, payload []scim.SyncUser) (*scim.SyncStatus, error)
	GetSyncStatus(ctx context.Context, teamID string) (*scim.SyncStatus, error)
	GetProvisioningLogs(ctx context.Context, actorID, teamID string, limit int) ([]*scim.ProvisioningLog, error)
}

// Config wires the services and metadata into the HTTP layer.
type Config struct {
	Ready   ReadyProbe
	Version string
	RBAC    RBACService
	Policy  PolicyService
	Vault   VaultService
	SCIM    SCIMService
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	rbac       RBACService
	policy     PolicyService
	vault      VaultService
	scim       SCIMService
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.Ready,
		version:    cfg.Version,
		rbac:       cfg.RBAC,
		policy:     cfg.Policy,
		vault:      cfg.Vault,
		scim:       cfg.SCIM,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// rbac
	a.mux.HandleFunc("/v1/permissions/check", a.handlePermissionCheck)
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	// team-scoped collections
	a.mux.HandleFunc("/v1/teams/", a.handleTeamScoped)

	// policies
	a.mux.HandleFunc("/v1/policies/evaluate", a.handlePolicyEvaluate)
	a.mux.HandleFunc("/v1/policies/checks/", a.handlePolicyChecks)
	a.mux.HandleFunc("/v1/policies/", a.handlePolicyResource)
	a.mux.HandleFunc("/v1/violations/", a.handleViolationResource)

	// vaults
	a.mux.HandleFunc("/v1/vaults/", a.handleVaultResource)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalResource)

	// provisioning (API-key authenticated, outside the JWT perimeter)
	a.mux.HandleFunc("/scim/v2/sync", a.handleSCIMSync)
	a.mux.HandleFunc("/scim/v2/status", a.handleSCIMStatus)

	// api key management
	a.mux.HandleFunc("/v1/api-keys/", a.handleAPIKeyResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vaultguard-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "vaultguard-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
