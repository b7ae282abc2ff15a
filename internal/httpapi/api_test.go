package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"vaultguard.org/internal/identity"
	"vaultguard.org/internal/policy"
	"vaultguard.org/internal/rbac"
	"vaultguard.org/internal/scim"
	"vaultguard.org/internal/vault"
)

type stubRBAC struct {
	decision   rbac.Decision
	assignErr  error
	createdID  string
	assignment *rbac.UserRole
}

func (s *stubRBAC) CheckPermission(ctx context.Context, userID string, resource rbac.Resource, action rbac.Action, pctx *rbac.Context) rbac.Decision {
	return s.decision
}

func (s *stubRBAC) AssignRole(ctx context.Context, actorID, userID, roleID, teamID string, expiresAt *time.Time) (*rbac.UserRole, error) {
	if s.assignErr != nil {
		return nil, s.assignErr
	}
	if s.assignment != nil {
		return s.assignment, nil
	}
	return &rbac.UserRole{ID: "ur-1", UserID: userID, RoleID: roleID, TeamID: teamID}, nil
}

func (s *stubRBAC) RevokeRole(ctx context.Context, actorID, userID, roleID, teamID string) error {
	return nil
}

func (s *stubRBAC) CreateRole(ctx context.Context, actorID string, role rbac.Role) (*rbac.Role, error) {
	id := s.createdID
	if id == "" {
		id = "role-1"
	}
	created := role
	created.ID = id
	return &created, nil
}

func (s *stubRBAC) UpdateRole(ctx context.Context, actorID, roleID string, upd rbac.RoleUpdate) (*rbac.Role, error) {
	return &rbac.Role{ID: roleID}, nil
}

func (s *stubRBAC) DeleteRole(ctx context.Context, actorID, roleID string) error { return nil }

func (s *stubRBAC) GetRoles(ctx context.Context) ([]*rbac.Role, error) {
	return []*rbac.Role{{ID: "role-1", Name: "team_member"}}, nil
}

func (s *stubRBAC) GetRole(ctx context.Context, roleID string) (*rbac.Role, error) {
	if roleID == "missing" {
		return nil, rbac.ErrNotFound
	}
	return &rbac.Role{ID: roleID, Name: "team_member"}, nil
}

func (s *stubRBAC) GetUserPermissions(ctx context.Context, userID, teamID string) ([]rbac.Permission, error) {
	return []rbac.Permission{{Resource: rbac.ResourceAccounts, Actions: []rbac.Action{rbac.ActionRead}}}, nil
}

type stubPolicy struct {
	outcome policy.Outcome
}

func (s *stubPolicy) CreatePolicy(ctx context.Context, actorID string, p policy.TeamPolicy) (*policy.TeamPolicy, error) {
	created := p
	created.ID = "pol-1"
	return &created, nil
}

func (s *stubPolicy) UpdatePolicy(ctx context.Context, actorID, policyID string, upd policy.PolicyUpdate) (*policy.TeamPolicy, error) {
	return &policy.TeamPolicy{ID: policyID}, nil
}

func (s *stubPolicy) DeletePolicy(ctx context.Context, actorID, policyID string) error { return nil }

func (s *stubPolicy) GetPolicies(ctx context.Context, actorID, teamID string) ([]*policy.TeamPolicy, error) {
	return nil, nil
}

func (s *stubPolicy) GetPolicyViolations(ctx context.Context, actorID, teamID string, filter policy.ViolationFilter) ([]*policy.Violation, error) {
	return nil, nil
}

func (s *stubPolicy) ResolveViolation(ctx context.Context, actorID, violationID, resolution string) (*policy.Violation, error) {
	return &policy.Violation{ID: violationID, Resolved: true}, nil
}

func (s *stubPolicy) Evaluate(ctx context.Context, in policy.Input) policy.Outcome {
	return s.outcome
}

func (s *stubPolicy) CheckPassword(ctx context.Context, teamID, password string) policy.CheckResult {
	if len(password) < 8 {
		return policy.CheckResult{Allowed: false, Reason: "password too short"}
	}
	return policy.CheckResult{Allowed: true}
}

func (s *stubPolicy) CheckSession(ctx context.Context, teamID string, lastActivity time.Time) policy.CheckResult {
	return policy.CheckResult{Allowed: true}
}

func (s *stubPolicy) CheckIP(ctx context.Context, teamID, ip string) policy.CheckResult {
	return policy.CheckResult{Allowed: true}
}

type stubVault struct {
	approval *vault.VaultApproval
}

func (s *stubVault) CreateVault(ctx context.Context, actorID, teamID, name, description string, settings vault.Settings) (*vault.TeamVault, error) {
	return &vault.TeamVault{ID: "v-1", TeamID: teamID, Name: name, CreatedBy: actorID}, nil
}

func (s *stubVault) GetVault(ctx context.Context, actorID, vaultID string) (*vault.TeamVault, error) {
	if vaultID == "missing" {
		return nil, vault.ErrNotFound
	}
	return &vault.TeamVault{ID: vaultID}, nil
}

func (s *stubVault) ListVaults(ctx context.Context, actorID, teamID string) ([]*vault.TeamVault, error) {
	return nil, nil
}

func (s *stubVault) UpdateVault(ctx context.Context, actorID, vaultID string, upd vault.VaultUpdate) (*vault.TeamVault, *vault.VaultApproval, error) {
	if s.approval != nil {
		return nil, s.approval, nil
	}
	return &vault.TeamVault{ID: vaultID}, nil, nil
}

func (s *stubVault) DeleteVault(ctx context.Context, actorID, vaultID string) error { return nil }

func (s *stubVault) AddAccountToVault(ctx context.Context, actorID, vaultID, accountID string) (*vault.VaultApproval, error) {
	return s.approval, nil
}

func (s *stubVault) RemoveAccountFromVault(ctx context.Context, actorID, vaultID, accountID string) error {
	return nil
}

func (s *stubVault) AddMemberToVault(ctx context.Context, actorID, vaultID, userID string) (*vault.VaultApproval, error) {
	return s.approval, nil
}

func (s *stubVault) RemoveMemberFromVault(ctx context.Context, actorID, vaultID, userID string) (*vault.VaultApproval, error) {
	if userID == "creator" {
		return nil, vault.ErrCreatorRemoval
	}
	return s.approval, nil
}

func (s *stubVault) AccessVaultAccount(ctx context.Context, actorID, vaultID, accountID string) (*vault.Credential, *vault.VaultApproval, error) {
	if s.approval != nil {
		return nil, s.approval, nil
	}
	return &vault.Credential{ID: accountID}, nil, nil
}

func (s *stubVault) ProcessApproval(ctx context.Context, approvalID, approverID string, approved bool, reason string) (*vault.VaultApproval, error) {
	status := vault.StatusDenied
	if approved {
		status = vault.StatusApproved
	}
	return &vault.VaultApproval{ID: approvalID, Status: status}, nil
}

func (s *stubVault) ListApprovals(ctx context.Context, actorID, vaultID string, status vault.ApprovalStatus) ([]*vault.VaultApproval, error) {
	return nil, nil
}

func (s *stubVault) GetVaultAccessLogs(ctx context.Context, actorID, vaultID string, limit int) ([]*vault.AccessLog, error) {
	return nil, nil
}

type stubSCIM struct {
	key     *scim.APIKey
	authErr error
}

func (s *stubSCIM) GenerateAPIKey(ctx context.Context, actorID, teamID, name string, scopes, allowedIPs []string, expiresAt *time.Time) (string, *scim.APIKey, error) {
	return "key-1.secret", &scim.APIKey{ID: "key-1", TeamID: teamID, Name: name}, nil
}

func (s *stubSCIM) RevokeAPIKey(ctx context.Context, actorID, keyID string) error { return nil }

func (s *stubSCIM) ListAPIKeys(ctx context.Context, actorID, teamID string) ([]*scim.APIKey, error) {
	return nil, nil
}

func (s *stubSCIM) Authenticate(ctx context.Context, presented, remoteIP, requiredScope string) (*scim.APIKey, error) {
	if s.authErr != nil {
		return nil, s.authErr
	}
	return s.key, nil
}

func (s *stubSCIM) ProcessSync(ctx context.Context, key *scim.APIKey, payload []scim.SyncUser) (*scim.SyncStatus, error) {
	return &scim.SyncStatus{TeamID: key.TeamID, State: scim.SyncIdle, Created: len(payload)}, nil
}

func (s *stubSCIM) GetSyncStatus(ctx context.Context, teamID string) (*scim.SyncStatus, error) {
	return &scim.SyncStatus{TeamID: teamID, State: scim.SyncIdle}, nil
}

func (s *stubSCIM) GetProvisioningLogs(ctx context.Context, actorID, teamID string, limit int) ([]*scim.ProvisioningLog, error) {
	return nil, nil
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testServices struct {
	rbac   *stubRBAC
	policy *stubPolicy
	vault  *stubVault
	scim   *stubSCIM
}

func newTestAPI(t *testing.T) (*apiClient, *testServices) {
	t.Helper()

	t.Setenv("VAULTGUARD_AUTH_SECRET", "test-secret")
	identity.ResetSecretForTests()

	svcs := &testServices{
		rbac:   &stubRBAC{decision: rbac.Decision{Allowed: true, MatchedRole: "team_member"}},
		policy: &stubPolicy{outcome: policy.Outcome{Allowed: true}},
		vault:  &stubVault{},
		scim:   &stubSCIM{key: &scim.APIKey{ID: "key-1", TeamID: "team-1"}},
	}
	api := New(Config{
		Version: "test",
		RBAC:    svcs.rbac,
		Policy:  svcs.policy,
		Vault:   svcs.vault,
		SCIM:    svcs.scim,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}, svcs
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func authHeaderFor(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := identity.GenerateToken(userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthIsPublic(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.get("/healthz", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/permissions/check", map[string]any{
		"user_id": "u1", "resource": "accounts", "action": "read",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestPermissionCheckReturnsDecision(t *testing.T) {
	api, svcs := newTestAPI(t)
	svcs.rbac.decision = rbac.Decision{Allowed: false, Reason: "No roles assigned"}

	resp := api.do(http.MethodPost, "/v1/permissions/check", map[string]any{
		"user_id": "u1", "resource": "accounts", "action": "read",
	}, authHeaderFor(t, "admin"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decision := decode[map[string]any](t, resp)
	if decision["allowed"] != false || decision["reason"] != "No roles assigned" {
		t.Fatalf("unexpected decision: %v", decision)
	}
}

func TestPermissionCheckRequiresUserID(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/permissions/check", map[string]any{
		"resource": "accounts", "action": "read",
	}, authHeaderFor(t, "admin"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateRoleSetsLocation(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/roles", map[string]any{
		"name":     "custom_auditor",
		"priority": 10,
		"permissions": []map[string]any{
			{"resource": "reports", "actions": []string{"read"}},
		},
	}, authHeaderFor(t, "admin"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/roles/role-1" {
		t.Fatalf("unexpected location: %q", loc)
	}
	role := decode[map[string]any](t, resp)
	if role["name"] != "custom_auditor" {
		t.Fatalf("unexpected role body: %v", role)
	}
}

func TestAssignRoleValidatesBody(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/users/u1/roles", map[string]any{
		"role_id": "  ",
	}, authHeaderFor(t, "admin"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAssignRoleForbiddenMapsTo403(t *testing.T) {
	api, svcs := newTestAPI(t)
	svcs.rbac.assignErr = rbac.ErrUnauthorized

	resp := api.do(http.MethodPost, "/v1/users/u1/roles", map[string]any{
		"role_id": "role-1",
	}, authHeaderFor(t, "intruder"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestRoleNotFoundMapsTo404(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.get("/v1/roles/missing", nil, authHeaderFor(t, "admin"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestVaultAddAccountDeferredReturnsAccepted(t *testing.T) {
	api, svcs := newTestAPI(t)
	svcs.vault.approval = &vault.VaultApproval{
		ID:     "ap-1",
		Status: vault.StatusPending,
		Action: vault.ActionAddAccount,
	}

	resp := api.do(http.MethodPost, "/v1/vaults/v-1/accounts", map[string]any{
		"account_id": "acct-9",
	}, authHeaderFor(t, "member"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decode[map[string]map[string]any](t, resp)
	if body["approval"]["id"] != "ap-1" {
		t.Fatalf("unexpected approval payload: %v", body)
	}
}

func TestVaultAddAccountImmediate(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/vaults/v-1/accounts", map[string]any{
		"account_id": "acct-9",
	}, authHeaderFor(t, "member"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestRemoveCreatorMapsToConflict(t *testing.T) {
	api, _ := newTestAPI(t)
	req, err := http.NewRequest(http.MethodDelete, api.baseURL+"/v1/vaults/v-1/members/creator", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range authHeaderFor(t, "admin") {
		req.Header.Set(k, v)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestProcessApproval(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/approvals/ap-1", map[string]any{
		"approved": true, "reason": "reviewed",
	}, authHeaderFor(t, "approver"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "approved" {
		t.Fatalf("unexpected status: %v", body["status"])
	}
}

func TestSCIMSyncUsesAPIKey(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.do(http.MethodPost, "/scim/v2/sync", map[string]any{
		"users": []map[string]any{
			{"external_id": "ext-1", "email": "a@example.com", "active": true},
		},
	}, map[string]string{"X-Api-Key": "key-1.secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	status := decode[map[string]any](t, resp)
	if status["created"].(float64) != 1 {
		t.Fatalf("unexpected sync status: %v", status)
	}
}

func TestSCIMSyncRejectsBadKey(t *testing.T) {
	api, svcs := newTestAPI(t)
	svcs.scim.authErr = scim.ErrInvalidKey

	resp := api.do(http.MethodPost, "/scim/v2/sync", map[string]any{
		"users": []map[string]any{},
	}, map[string]string{"X-Api-Key": "bogus"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] != "Invalid or inactive API key" {
		t.Fatalf("unexpected error message: %v", body["error"])
	}
}

func TestPolicyEvaluateRequiresIdentity(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/policies/evaluate", map[string]any{
		"user_id": "u1",
	}, authHeaderFor(t, "admin"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPasswordCheckEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/policies/checks/password", map[string]any{
		"team_id": "team-1", "password": "short",
	}, authHeaderFor(t, "admin"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	result := decode[map[string]any](t, resp)
	if result["allowed"] != false {
		t.Fatalf("expected weak password rejection: %v", result)
	}
}

func TestMethodNotAllowedSetsAllowHeader(t *testing.T) {
	api, _ := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/vaults/v-1/logs", nil, authHeaderFor(t, "admin"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != "GET" {
		t.Fatalf("missing Allow header")
	}
}
