package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"vaultguard.org/internal/ids"
	"vaultguard.org/internal/policy"
	"vaultguard.org/internal/rbac"
)

type memVaultStore struct {
	vaults    map[string]*TeamVault
	accounts  map[string]*VaultAccount // key vaultID+"/"+accountID
	approvals map[string]*VaultApproval
	logs      []*AccessLog
}

func newMemVaultStore() *memVaultStore {
	return &memVaultStore{
		vaults:    map[string]*TeamVault{},
		accounts:  map[string]*VaultAccount{},
		approvals: map[string]*VaultApproval{},
	}
}

func (m *memVaultStore) CreateVault(_ context.Context, v *TeamVault) error {
	cp := *v
	m.vaults[v.ID] = &cp
	return nil
}

func (m *memVaultStore) GetVault(_ context.Context, id string) (*TeamVault, error) {
	v, ok := m.vaults[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	cp.MemberIDs = append([]string(nil), v.MemberIDs...)
	cp.AccountIDs = append([]string(nil), v.AccountIDs...)
	return &cp, nil
}

func (m *memVaultStore) ListVaults(_ context.Context, teamID string) ([]*TeamVault, error) {
	var out []*TeamVault
	for id, v := range m.vaults {
		if v.TeamID == teamID {
			cp, _ := m.GetVault(context.Background(), id)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *memVaultStore) UpdateVault(_ context.Context, id string, upd VaultUpdate) (*TeamVault, error) {
	v, ok := m.vaults[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		v.Name = *upd.Name
	}
	if upd.Description != nil {
		v.Description = *upd.Description
	}
	if upd.Settings != nil {
		v.Settings = *upd.Settings
	}
	cp := *v
	return &cp, nil
}

func (m *memVaultStore) DeleteVault(_ context.Context, id string) error {
	if _, ok := m.vaults[id]; !ok {
		return ErrNotFound
	}
	delete(m.vaults, id)
	for key, va := range m.accounts {
		if va.VaultID == id {
			delete(m.accounts, key)
		}
	}
	return nil
}

func (m *memVaultStore) AddAccount(_ context.Context, vaultID string, va *VaultAccount) error {
	v, ok := m.vaults[vaultID]
	if !ok {
		return ErrNotFound
	}
	v.AccountIDs = append(v.AccountIDs, va.AccountID)
	cp := *va
	m.accounts[vaultID+"/"+va.AccountID] = &cp
	return nil
}

func (m *memVaultStore) RemoveAccount(_ context.Context, vaultID, accountID string) error {
	v, ok := m.vaults[vaultID]
	if !ok {
		return ErrNotFound
	}
	kept := v.AccountIDs[:0]
	for _, id := range v.AccountIDs {
		if id != accountID {
			kept = append(kept, id)
		}
	}
	v.AccountIDs = kept
	delete(m.accounts, vaultID+"/"+accountID)
	return nil
}

func (m *memVaultStore) GetVaultAccount(_ context.Context, vaultID, accountID string) (*VaultAccount, error) {
	va, ok := m.accounts[vaultID+"/"+accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *va
	return &cp, nil
}

func (m *memVaultStore) TouchVaultAccount(_ context.Context, vaultID, accountID string, at time.Time) error {
	va, ok := m.accounts[vaultID+"/"+accountID]
	if !ok {
		return ErrNotFound
	}
	va.AccessCount++
	va.LastAccessedAt = &at
	return nil
}

func (m *memVaultStore) AddMember(_ context.Context, vaultID, userID string) error {
	v, ok := m.vaults[vaultID]
	if !ok {
		return ErrNotFound
	}
	v.MemberIDs = append(v.MemberIDs, userID)
	return nil
}

func (m *memVaultStore) RemoveMember(_ context.Context, vaultID, userID string) error {
	v, ok := m.vaults[vaultID]
	if !ok {
		return ErrNotFound
	}
	kept := v.MemberIDs[:0]
	for _, id := range v.MemberIDs {
		if id != userID {
			kept = append(kept, id)
		}
	}
	v.MemberIDs = kept
	return nil
}

func (m *memVaultStore) CreateApproval(_ context.Context, a *VaultApproval) error {
	cp := *a
	m.approvals[a.ID] = &cp
	return nil
}

func (m *memVaultStore) GetApproval(_ context.Context, id string) (*VaultApproval, error) {
	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memVaultStore) ListApprovals(_ context.Context, vaultID string, status ApprovalStatus) ([]*VaultApproval, error) {
	var out []*VaultApproval
	for _, a := range m.approvals {
		if a.VaultID == vaultID && (status == "" || a.Status == status) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memVaultStore) ResolveApproval(_ context.Context, id string, status ApprovalStatus, resolvedBy, reason string, at time.Time) error {
	a, ok := m.approvals[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.ResolvedBy = resolvedBy
	a.Reason = reason
	a.ResolvedAt = &at
	return nil
}

func (m *memVaultStore) ConsumeApproval(_ context.Context, vaultID, requestedBy string, action VaultAction, targetID string, at time.Time) (*VaultApproval, error) {
	var newest *VaultApproval
	for _, a := range m.approvals {
		if a.VaultID != vaultID || a.RequestedBy != requestedBy || a.Action != action || a.TargetID != targetID {
			continue
		}
		if a.Status != StatusApproved || !at.Before(a.ExpiresAt) {
			continue
		}
		if newest == nil || a.RequestedAt.After(newest.RequestedAt) {
			newest = a
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	newest.Status = StatusConsumed
	cp := *newest
	return &cp, nil
}

func (m *memVaultStore) ExpireApprovals(_ context.Context, cutoff time.Time) ([]*VaultApproval, error) {
	var out []*VaultApproval
	for _, a := range m.approvals {
		if a.Status == StatusPending && cutoff.After(a.ExpiresAt) {
			a.Status = StatusExpired
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memVaultStore) AppendAccessLog(_ context.Context, entry *AccessLog) error {
	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *memVaultStore) ListAccessLogs(_ context.Context, vaultID string, limit int) ([]*AccessLog, error) {
	var out []*AccessLog
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.logs[i].VaultID == vaultID {
			cp := *m.logs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memVaultStore) logActions(vaultID string) []VaultAction {
	var out []VaultAction
	for _, entry := range m.logs {
		if entry.VaultID == vaultID {
			out = append(out, entry.Action)
		}
	}
	return out
}

type allowAll struct{}

func (allowAll) CheckPermission(context.Context, string, rbac.Resource, rbac.Action, *rbac.Context) rbac.Decision {
	return rbac.Decision{Allowed: true}
}

type memberOnly struct{}

func (memberOnly) CheckPermission(_ context.Context, userID string, _ rbac.Resource, action rbac.Action, _ *rbac.Context) rbac.Decision {
	if action == rbac.ActionApprove {
		return rbac.Decision{Allowed: false, Reason: "No matching permissions"}
	}
	return rbac.Decision{Allowed: true}
}

type stubCreds struct {
	known map[string]*Credential
}

func (s *stubCreds) FindCredential(_ context.Context, accountID string) (*Credential, error) {
	c, ok := s.known[accountID]
	if !ok {
		return nil, errors.New("credential not found")
	}
	return c, nil
}

func newTestVaultService(t *testing.T, store *memVaultStore, authz Authorizer, opts ...Option) *Service {
	t.Helper()
	creds := &stubCreds{known: map[string]*Credential{
		"acct-1": {ID: "acct-1", Issuer: "github.com", Label: "work", OwnerID: "u1"},
		"acct-2": {ID: "acct-2", Issuer: "aws.amazon.com", Label: "root", OwnerID: "u2"},
	}}
	svc, err := NewService(store, authz, creds, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func seedVault(t *testing.T, store *memVaultStore, settings Settings) *TeamVault {
	t.Helper()
	v := &TeamVault{
		ID:        ids.New(),
		Name:      "infra",
		TeamID:    "team-1",
		CreatedBy: "creator",
		MemberIDs: []string{"creator", "member"},
		Settings:  settings,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateVault(context.Background(), v); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	return v
}

func TestCreateVaultIncludesCreator(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, allowAll{})

	v, err := svc.CreateVault(context.Background(), "creator", "team-1", "infra", "", Settings{})
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if !v.HasMember("creator") {
		t.Fatal("creator must be a member of a new vault")
	}
	actions := store.logActions(v.ID)
	if len(actions) != 1 || actions[0] != ActionCreateVault {
		t.Fatalf("expected create_vault log entry, got %v", actions)
	}
}

func TestRemoveCreatorAlwaysErrors(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, allowAll{})
	v := seedVault(t, store, Settings{})

	if _, err := svc.RemoveMemberFromVault(context.Background(), "member", v.ID, "creator"); !errors.Is(err, ErrCreatorRemoval) {
		t.Fatalf("expected creator removal error, got %v", err)
	}
}

func TestAddAccountDeferredUntilApproved(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, memberOnly{})
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	approval, err := svc.AddAccountToVault(ctx, "member", v.ID, "acct-1")
	if err != nil {
		t.Fatalf("AddAccountToVault: %v", err)
	}
	if approval == nil || approval.Status != StatusPending {
		t.Fatalf("expected pending approval, got %+v", approval)
	}
	current, _ := store.GetVault(ctx, v.ID)
	if current.HasAccount("acct-1") {
		t.Fatal("account must not be added while approval is pending")
	}

	resolved, err := svc.ProcessApproval(ctx, approval.ID, "creator", true, "ok")
	if err != nil {
		t.Fatalf("ProcessApproval: %v", err)
	}
	if resolved.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", resolved.Status)
	}
	current, _ = store.GetVault(ctx, v.ID)
	if !current.HasAccount("acct-1") {
		t.Fatal("account must be added after approval")
	}
}

func TestApproverBypassesGate(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, memberOnly{})
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})

	approval, err := svc.AddAccountToVault(context.Background(), "creator", v.ID, "acct-1")
	if err != nil {
		t.Fatalf("AddAccountToVault: %v", err)
	}
	if approval != nil {
		t.Fatal("approver's own action must execute immediately")
	}
	current, _ := store.GetVault(context.Background(), v.ID)
	if !current.HasAccount("acct-1") {
		t.Fatal("account not added")
	}
}

func TestRemoveAccountDeferredReturnsError(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, memberOnly{})
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	if approval, err := svc.AddAccountToVault(ctx, "creator", v.ID, "acct-1"); err != nil || approval != nil {
		t.Fatalf("seed account: approval=%v err=%v", approval, err)
	}
	err := svc.RemoveAccountFromVault(ctx, "member", v.ID, "acct-1")
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("expected approval-required error, got %v", err)
	}
	current, _ := store.GetVault(ctx, v.ID)
	if !current.HasAccount("acct-1") {
		t.Fatal("account must survive a staged removal")
	}
}

func TestProcessApprovalRejectsNonApprover(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, memberOnly{})
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	approval, err := svc.AddAccountToVault(ctx, "member", v.ID, "acct-1")
	if err != nil || approval == nil {
		t.Fatalf("stage: approval=%v err=%v", approval, err)
	}
	if _, err := svc.ProcessApproval(ctx, approval.ID, "member", true, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestProcessApprovalRejectsResolved(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, memberOnly{})
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	approval, _ := svc.AddAccountToVault(ctx, "member", v.ID, "acct-1")
	if _, err := svc.ProcessApproval(ctx, approval.ID, "creator", false, "no"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := svc.ProcessApproval(ctx, approval.ID, "creator", true, ""); !errors.Is(err, ErrApprovalClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	current, _ := store.GetVault(ctx, v.ID)
	if current.HasAccount("acct-1") {
		t.Fatal("denied approval must not execute")
	}
}

func TestProcessApprovalExpires(t *testing.T) {
	store := newMemVaultStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestVaultService(t, store, memberOnly{}, WithClock(func() time.Time { return now }))
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	approval, _ := svc.AddAccountToVault(ctx, "member", v.ID, "acct-1")
	now = now.Add(25 * time.Hour)
	if _, err := svc.ProcessApproval(ctx, approval.ID, "creator", true, ""); !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
	stored, _ := store.GetApproval(ctx, approval.ID)
	if stored.Status != StatusExpired {
		t.Fatalf("expected stored status expired, got %s", stored.Status)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	store := newMemVaultStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestVaultService(t, store, memberOnly{}, WithClock(func() time.Time { return now }))
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	if _, err := svc.AddAccountToVault(ctx, "member", v.ID, "acct-1"); err != nil {
		t.Fatalf("stage: %v", err)
	}
	now = now.Add(25 * time.Hour)
	n, err := svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired approval, got %d", n)
	}
}

func TestAccessVaultAccountLogsAndCounts(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, allowAll{})
	v := seedVault(t, store, Settings{})
	ctx := context.Background()

	if approval, err := svc.AddAccountToVault(ctx, "member", v.ID, "acct-1"); err != nil || approval != nil {
		t.Fatalf("add: approval=%v err=%v", approval, err)
	}
	cred, approval, err := svc.AccessVaultAccount(ctx, "member", v.ID, "acct-1")
	if err != nil || approval != nil {
		t.Fatalf("access: approval=%v err=%v", approval, err)
	}
	if cred.Issuer != "github.com" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	va, err := store.GetVaultAccount(ctx, v.ID, "acct-1")
	if err != nil {
		t.Fatalf("join record: %v", err)
	}
	if va.AccessCount != 1 {
		t.Fatalf("expected access count 1, got %d", va.AccessCount)
	}
	actions := store.logActions(v.ID)
	if actions[len(actions)-1] != ActionAccessAccount {
		t.Fatalf("expected access_account log, got %v", actions)
	}
}

func TestAccessVaultAccountRevalidatesMembership(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, allowAll{})
	v := seedVault(t, store, Settings{})
	ctx := context.Background()

	if _, _, err := svc.AccessVaultAccount(ctx, "outsider", v.ID, "acct-1"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected not-member error, got %v", err)
	}
	if _, _, err := svc.AccessVaultAccount(ctx, "member", v.ID, "acct-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found for unlinked account, got %v", err)
	}
}

func TestAddAccountRejectsUnknownCredential(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, allowAll{})
	v := seedVault(t, store, Settings{})

	if _, err := svc.AddAccountToVault(context.Background(), "member", v.ID, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestUpdateVaultDeferredAppliesOnApproval(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, memberOnly{})
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	name := "renamed"
	updated, approval, err := svc.UpdateVault(ctx, "member", v.ID, VaultUpdate{Name: &name})
	if err != nil {
		t.Fatalf("UpdateVault: %v", err)
	}
	if updated != nil || approval == nil {
		t.Fatalf("expected staged update, got vault=%v approval=%v", updated, approval)
	}
	if _, err := svc.ProcessApproval(ctx, approval.ID, "creator", true, ""); err != nil {
		t.Fatalf("ProcessApproval: %v", err)
	}
	current, _ := store.GetVault(ctx, v.ID)
	if current.Name != "renamed" {
		t.Fatalf("staged update not applied, name=%q", current.Name)
	}
	if current.Settings.RequireApproval != true {
		t.Fatal("unset update fields must not clobber settings")
	}
}

func TestPolicyEvaluatorCanForceApproval(t *testing.T) {
	store := newMemVaultStore()
	forcing := policyFunc(func(policy.Input) policy.Outcome {
		return policy.Outcome{Allowed: true, RequiresApproval: true}
	})
	svc := newTestVaultService(t, store, allowAll{}, WithPolicyEvaluator(forcing))
	v := seedVault(t, store, Settings{})

	approval, err := svc.AddAccountToVault(context.Background(), "member", v.ID, "acct-1")
	if err != nil {
		t.Fatalf("AddAccountToVault: %v", err)
	}
	if approval == nil {
		t.Fatal("policy RequiresApproval must stage the operation")
	}
}

func TestPolicyEvaluatorCanBlock(t *testing.T) {
	store := newMemVaultStore()
	blocking := policyFunc(func(policy.Input) policy.Outcome {
		return policy.Outcome{Allowed: false, Violated: true}
	})
	svc := newTestVaultService(t, store, allowAll{}, WithPolicyEvaluator(blocking))
	v := seedVault(t, store, Settings{})

	if _, err := svc.AddAccountToVault(context.Background(), "member", v.ID, "acct-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected policy block, got %v", err)
	}
}

type policyFunc func(policy.Input) policy.Outcome

func (f policyFunc) Evaluate(_ context.Context, in policy.Input) policy.Outcome {
	return f(in)
}

func TestApprovalStatusTransitions(t *testing.T) {
	if !StatusPending.CanTransition(StatusApproved) || !StatusPending.CanTransition(StatusDenied) || !StatusPending.CanTransition(StatusExpired) {
		t.Fatal("pending must resolve to approved, denied or expired")
	}
	if StatusPending.CanTransition(StatusConsumed) {
		t.Fatal("pending must not skip straight to consumed")
	}
	if !StatusApproved.CanTransition(StatusConsumed) {
		t.Fatal("approved grants must be consumable")
	}
	for _, terminal := range []ApprovalStatus{StatusDenied, StatusExpired, StatusConsumed} {
		if terminal.CanTransition(StatusApproved) || terminal.CanTransition(StatusPending) || terminal.CanTransition(StatusConsumed) {
			t.Fatalf("%s must be terminal", terminal)
		}
	}
	if StatusApproved.CanTransition(StatusPending) || StatusApproved.CanTransition(StatusDenied) {
		t.Fatal("approved must only move to consumed")
	}
}

func TestAccessApprovedGrantRedeemedOnRetry(t *testing.T) {
	store := newMemVaultStore()
	svc := newTestVaultService(t, store, memberOnly{})
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	if approval, err := svc.AddAccountToVault(ctx, "creator", v.ID, "acct-1"); err != nil || approval != nil {
		t.Fatalf("seed account: approval=%v err=%v", approval, err)
	}
	cred, approval, err := svc.AccessVaultAccount(ctx, "member", v.ID, "acct-1")
	if err != nil {
		t.Fatalf("stage access: %v", err)
	}
	if cred != nil || approval == nil || approval.Status != StatusPending {
		t.Fatalf("expected staged access, got cred=%v approval=%+v", cred, approval)
	}
	if _, err := svc.ProcessApproval(ctx, approval.ID, "creator", true, "ok"); err != nil {
		t.Fatalf("ProcessApproval: %v", err)
	}

	cred, retryApproval, err := svc.AccessVaultAccount(ctx, "member", v.ID, "acct-1")
	if err != nil {
		t.Fatalf("retry access: %v", err)
	}
	if retryApproval != nil {
		t.Fatalf("retry after approval must not stage again, got %+v", retryApproval)
	}
	if cred == nil || cred.Issuer != "github.com" {
		t.Fatalf("retry must return the credential, got %+v", cred)
	}
	stored, _ := store.GetApproval(ctx, approval.ID)
	if stored.Status != StatusConsumed {
		t.Fatalf("expected consumed grant, got %s", stored.Status)
	}

	// The grant is single-use: a further access stages a fresh approval.
	cred, next, err := svc.AccessVaultAccount(ctx, "member", v.ID, "acct-1")
	if err != nil {
		t.Fatalf("third access: %v", err)
	}
	if cred != nil || next == nil || next.Status != StatusPending || next.ID == approval.ID {
		t.Fatalf("expected a fresh pending approval, got cred=%v approval=%+v", cred, next)
	}
}

func TestApprovalStaysPendingWhenApplyFails(t *testing.T) {
	store := newMemVaultStore()
	creds := &stubCreds{known: map[string]*Credential{
		"acct-1": {ID: "acct-1", Issuer: "github.com", Label: "work", OwnerID: "u1"},
	}}
	svc, err := NewService(store, memberOnly{}, creds)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	v := seedVault(t, store, Settings{RequireApproval: true, Approvers: []string{"creator"}})
	ctx := context.Background()

	approval, err := svc.AddAccountToVault(ctx, "member", v.ID, "acct-1")
	if err != nil || approval == nil {
		t.Fatalf("stage: approval=%v err=%v", approval, err)
	}

	delete(creds.known, "acct-1")
	if _, err := svc.ProcessApproval(ctx, approval.ID, "creator", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected apply failure, got %v", err)
	}
	stored, _ := store.GetApproval(ctx, approval.ID)
	if stored.Status != StatusPending {
		t.Fatalf("failed application must leave the approval pending, got %s", stored.Status)
	}
	current, _ := store.GetVault(ctx, v.ID)
	if current.HasAccount("acct-1") {
		t.Fatal("failed application must not add the account")
	}

	creds.known["acct-1"] = &Credential{ID: "acct-1", Issuer: "github.com", Label: "work", OwnerID: "u1"}
	resolved, err := svc.ProcessApproval(ctx, approval.ID, "creator", true, "retry")
	if err != nil {
		t.Fatalf("retry ProcessApproval: %v", err)
	}
	if resolved.Status != StatusApproved {
		t.Fatalf("expected approved after retry, got %s", resolved.Status)
	}
	current, _ = store.GetVault(ctx, v.ID)
	if !current.HasAccount("acct-1") {
		t.Fatal("account must be added once the approval applies")
	}
}
