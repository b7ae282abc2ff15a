package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/ids"
	"vaultguard.org/internal/obs"
	"vaultguard.org/internal/policy"
	"vaultguard.org/internal/rbac"
)

// Authorizer answers vault permission questions. Satisfied by *rbac.Service.
type Authorizer interface {
	CheckPermission(ctx context.Context, userID string, resource rbac.Resource, action rbac.Action, pctx *rbac.Context) rbac.Decision
}

// PolicyEvaluator runs team policies against a vault operation. Satisfied
// by *policy.Service.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in policy.Input) policy.Outcome
}

// Service authorizes and executes vault operations. Mutations pass through
// an approval gate: when the vault requires approval and the actor is not
// an approver, the operation is staged as a pending VaultApproval instead
// of executing.
type Service struct {
	store    Store
	authz    Authorizer
	creds    CredentialReader
	policies PolicyEvaluator
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPolicyEvaluator wires team policy evaluation into the gate. Without
// it only the vault's own settings gate operations.
func WithPolicyEvaluator(p PolicyEvaluator) Option {
	return func(s *Service) { s.policies = p }
}

// NewService constructs the vault layer.
func NewService(store Store, authz Authorizer, creds CredentialReader, opts ...Option) (*Service, error) {
	if store == nil || authz == nil || creds == nil {
		return nil, fmt.Errorf("%w: store, authorizer and credential reader are required", ErrInvalidInput)
	}
	svc := &Service{
		store: store,
		authz: authz,
		creds: creds,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateVault creates a vault with the actor as its first member.
func (s *Service) CreateVault(ctx context.Context, actorID, teamID, name, description string, settings Settings) (*TeamVault, error) {
	teamID = strings.TrimSpace(teamID)
	name = strings.TrimSpace(name)
	if teamID == "" || name == "" {
		return nil, fmt.Errorf("%w: team_id and name are required", ErrInvalidInput)
	}
	if err := s.requireVaultPerm(ctx, actorID, teamID, rbac.ActionCreate); err != nil {
		return nil, err
	}

	v := &TeamVault{
		ID:          ids.New(),
		Name:        name,
		Description: description,
		TeamID:      teamID,
		CreatedBy:   actorID,
		MemberIDs:   []string{actorID},
		AccountIDs:  []string{},
		Settings:    settings,
		CreatedAt:   s.now().UTC(),
	}
	v.UpdatedAt = v.CreatedAt
	if err := s.store.CreateVault(ctx, v); err != nil {
		obs.Error("create vault failed", err, map[string]any{"team_id": teamID, "name": name})
		return nil, err
	}
	s.appendLog(ctx, v.ID, ActionCreateVault, actorID, map[string]any{"name": name})
	_ = audit.LogEvent(ctx, audit.EventVaultCreate, map[string]any{"vault_id": v.ID, "team_id": teamID})
	return v, nil
}

// GetVault loads a vault the actor may see.
func (s *Service) GetVault(ctx context.Context, actorID, vaultID string) (*TeamVault, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if !v.HasMember(actorID) {
		if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionRead); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// ListVaults lists the team's vaults the actor may see.
func (s *Service) ListVaults(ctx context.Context, actorID, teamID string) ([]*TeamVault, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, fmt.Errorf("%w: team_id is required", ErrInvalidInput)
	}
	vaults, err := s.store.ListVaults(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if s.requireVaultPerm(ctx, actorID, teamID, rbac.ActionRead) == nil {
		return vaults, nil
	}
	var visible []*TeamVault
	for _, v := range vaults {
		if v.HasMember(actorID) {
			visible = append(visible, v)
		}
	}
	return visible, nil
}

// UpdateVault applies a partial update, subject to the approval gate.
// A non-nil approval with a nil vault means the change was staged.
func (s *Service) UpdateVault(ctx context.Context, actorID, vaultID string, upd VaultUpdate) (*TeamVault, *VaultApproval, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionUpdate); err != nil {
		return nil, nil, err
	}
	approval, err := s.gate(ctx, actorID, v, ActionUpdateVault, "", map[string]any{"update": upd})
	if err != nil {
		return nil, nil, err
	}
	if approval != nil {
		return nil, approval, nil
	}

	updated, err := s.store.UpdateVault(ctx, vaultID, upd)
	if err != nil {
		obs.Error("update vault failed", err, map[string]any{"vault_id": vaultID})
		return nil, nil, err
	}
	s.appendLog(ctx, vaultID, ActionUpdateVault, actorID, nil)
	return updated, nil, nil
}

// DeleteVault removes a vault together with its account join records.
func (s *Service) DeleteVault(ctx context.Context, actorID, vaultID string) error {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}
	if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionDelete); err != nil {
		return err
	}
	s.appendLog(ctx, vaultID, ActionDeleteVault, actorID, map[string]any{"name": v.Name})
	if err := s.store.DeleteVault(ctx, vaultID); err != nil {
		obs.Error("delete vault failed", err, map[string]any{"vault_id": vaultID})
		return err
	}
	_ = audit.LogEvent(ctx, audit.EventVaultDelete, map[string]any{"vault_id": vaultID, "team_id": v.TeamID})
	return nil
}

// AddAccountToVault links a credential into the vault. A non-nil approval
// means the add was staged instead of executed.
func (s *Service) AddAccountToVault(ctx context.Context, actorID, vaultID, accountID string) (*VaultApproval, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidInput)
	}
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionUpdate); err != nil {
		return nil, err
	}
	if !v.HasMember(actorID) {
		return nil, ErrNotMember
	}
	if _, err := s.creds.FindCredential(ctx, accountID); err != nil {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if v.HasAccount(accountID) {
		return nil, fmt.Errorf("%w: account already in vault", ErrConflict)
	}

	approval, err := s.gate(ctx, actorID, v, ActionAddAccount, accountID, nil)
	if err != nil {
		return nil, err
	}
	if approval != nil {
		return approval, nil
	}
	if err := s.executeAddAccount(ctx, v, actorID, accountID); err != nil {
		return nil, err
	}
	return nil, nil
}

// RemoveAccountFromVault unlinks a credential. When the vault requires
// approval the removal is staged and an explicit error is returned.
func (s *Service) RemoveAccountFromVault(ctx context.Context, actorID, vaultID, accountID string) error {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}
	if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionUpdate); err != nil {
		return err
	}
	if !v.HasMember(actorID) {
		return ErrNotMember
	}
	if !v.HasAccount(accountID) {
		return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if va, err := s.store.GetVaultAccount(ctx, vaultID, accountID); err == nil {
		if !allowedFor(va.DeletePermissions, actorID) {
			return fmt.Errorf("%w: no delete permission for this account", ErrUnauthorized)
		}
	}

	approval, err := s.gate(ctx, actorID, v, ActionRemoveAccount, accountID, nil)
	if err != nil {
		return err
	}
	if approval != nil {
		return fmt.Errorf("%w: staged as approval %s", ErrApprovalRequired, approval.ID)
	}
	return s.executeRemoveAccount(ctx, v, actorID, accountID)
}

// AddMemberToVault adds a user to the vault's member set.
func (s *Service) AddMemberToVault(ctx context.Context, actorID, vaultID, userID string) (*VaultApproval, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionUpdate); err != nil {
		return nil, err
	}
	if v.HasMember(userID) {
		return nil, fmt.Errorf("%w: user is already a member", ErrConflict)
	}

	approval, err := s.gate(ctx, actorID, v, ActionAddMember, userID, nil)
	if err != nil {
		return nil, err
	}
	if approval != nil {
		return approval, nil
	}
	if err := s.executeAddMember(ctx, v, actorID, userID); err != nil {
		return nil, err
	}
	return nil, nil
}

// RemoveMemberFromVault removes a user from the member set. The creator
// can never be removed.
func (s *Service) RemoveMemberFromVault(ctx context.Context, actorID, vaultID, userID string) (*VaultApproval, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionUpdate); err != nil {
		return nil, err
	}
	if userID == v.CreatedBy {
		return nil, ErrCreatorRemoval
	}
	if !v.HasMember(userID) {
		return nil, ErrNotMember
	}

	approval, err := s.gate(ctx, actorID, v, ActionRemoveMember, userID, nil)
	if err != nil {
		return nil, err
	}
	if approval != nil {
		return approval, nil
	}
	if err := s.executeRemoveMember(ctx, v, actorID, userID); err != nil {
		return nil, err
	}
	return nil, nil
}

// GrantMembership adds a member without an actor permission check or the
// approval gate. It exists for provisioning paths whose authorization is
// carried by an API-key scope; the access log entry is still written.
func (s *Service) GrantMembership(ctx context.Context, grantedBy, vaultID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}
	if v.HasMember(userID) {
		return fmt.Errorf("%w: user is already a member", ErrConflict)
	}
	return s.executeAddMember(ctx, v, grantedBy, userID)
}

// AccessVaultAccount resolves a credential the actor may read and records
// the access. A non-nil approval means access was staged by the gate.
func (s *Service) AccessVaultAccount(ctx context.Context, actorID, vaultID, accountID string) (*Credential, *VaultApproval, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionRead); err != nil {
		return nil, nil, err
	}
	if !v.HasMember(actorID) {
		return nil, nil, ErrNotMember
	}
	if !v.HasAccount(accountID) {
		return nil, nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if va, err := s.store.GetVaultAccount(ctx, vaultID, accountID); err == nil {
		if !allowedFor(va.ViewPermissions, actorID) {
			return nil, nil, fmt.Errorf("%w: no view permission for this account", ErrUnauthorized)
		}
	}

	approval, err := s.gate(ctx, actorID, v, ActionAccessAccount, accountID, nil)
	if err != nil {
		return nil, nil, err
	}
	if approval != nil {
		return nil, approval, nil
	}

	cred, err := s.creds.FindCredential(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if err := s.store.TouchVaultAccount(ctx, vaultID, accountID, s.now().UTC()); err != nil {
		obs.Error("touch vault account failed", err, map[string]any{"vault_id": vaultID, "account_id": accountID})
	}
	s.appendLog(ctx, vaultID, ActionAccessAccount, actorID, map[string]any{"account_id": accountID})
	return cred, nil, nil
}

// RequestApproval stages an arbitrary vault action for sign-off.
func (s *Service) RequestApproval(ctx context.Context, actorID, vaultID string, action VaultAction, targetID string, details map[string]any) (*VaultApproval, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if !v.HasMember(actorID) {
		return nil, ErrNotMember
	}
	return s.createApproval(ctx, actorID, v, action, targetID, details)
}

// ProcessApproval resolves a pending approval and, when approved, executes
// the originally staged action.
func (s *Service) ProcessApproval(ctx context.Context, approvalID, approverID string, approved bool, reason string) (*VaultApproval, error) {
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	v, err := s.store.GetVault(ctx, a.VaultID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if a.ExpiredAt(now) {
		if err := s.store.ResolveApproval(ctx, a.ID, StatusExpired, "", "approval window elapsed", now); err != nil {
			return nil, err
		}
		s.appendLog(ctx, a.VaultID, ActionApprovalExpired, approverID, map[string]any{"approval_id": a.ID})
		return nil, ErrApprovalExpired
	}
	if a.Status != StatusPending {
		return nil, ErrApprovalClosed
	}
	if !s.canApprove(ctx, approverID, v) {
		return nil, fmt.Errorf("%w: not an approver for this vault", ErrUnauthorized)
	}

	next := StatusDenied
	logAction := ActionApprovalDenied
	if approved {
		next = StatusApproved
		logAction = ActionApprovalApproved
	}
	if !a.Status.CanTransition(next) {
		return nil, ErrApprovalClosed
	}
	// The staged action runs before the status flip: if it fails the
	// approval stays pending and the approver can retry once the cause
	// is fixed. applyApproved is idempotent against current vault state.
	if approved {
		if err := s.applyApproved(ctx, v, a); err != nil {
			return nil, fmt.Errorf("apply approved action: %w", err)
		}
	}
	if err := s.store.ResolveApproval(ctx, a.ID, next, approverID, reason, now); err != nil {
		obs.Error("resolve approval failed", err, map[string]any{"approval_id": a.ID})
		return nil, err
	}
	s.appendLog(ctx, a.VaultID, logAction, approverID, map[string]any{
		"approval_id": a.ID, "requested_by": a.RequestedBy, "action": string(a.Action),
	})
	_ = audit.LogEvent(ctx, audit.EventVaultApprovalResolve, map[string]any{
		"approval_id": a.ID, "vault_id": a.VaultID, "status": string(next),
	})
	obs.RecordVaultApproval(string(next))

	a.Status = next
	a.ResolvedBy = approverID
	a.ResolvedAt = &now
	a.Reason = reason
	return a, nil
}

// GetVaultAccessLogs returns the vault's audit trail, newest first.
func (s *Service) GetVaultAccessLogs(ctx context.Context, actorID, vaultID string, limit int) ([]*AccessLog, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if !v.HasMember(actorID) {
		if err := s.requireVaultPerm(ctx, actorID, v.TeamID, rbac.ActionAudit); err != nil {
			return nil, err
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListAccessLogs(ctx, vaultID, limit)
}

// ListApprovals lists a vault's approvals in a given status.
func (s *Service) ListApprovals(ctx context.Context, actorID, vaultID string, status ApprovalStatus) ([]*VaultApproval, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if !v.HasMember(actorID) && !s.canApprove(ctx, actorID, v) {
		return nil, fmt.Errorf("%w: not a member of this vault", ErrUnauthorized)
	}
	return s.store.ListApprovals(ctx, vaultID, status)
}

// ExpireStale flips every pending approval past its window to expired.
// Meant for a periodic sweep; resolution-time checks do not depend on it.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireApprovals(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		s.appendLog(ctx, a.VaultID, ActionApprovalExpired, "system", map[string]any{"approval_id": a.ID})
		obs.RecordVaultApproval(string(StatusExpired))
	}
	return len(expired), nil
}

// gate runs the team policy evaluation and the vault's own approval
// setting. A non-nil approval means the operation must not execute now.
func (s *Service) gate(ctx context.Context, actorID string, v *TeamVault, action VaultAction, targetID string, details map[string]any) (*VaultApproval, error) {
	requiresApproval := v.Settings.RequireApproval && !v.IsApprover(actorID)
	if s.policies != nil {
		outcome := s.policies.Evaluate(ctx, policy.Input{
			UserID:   actorID,
			TeamID:   v.TeamID,
			Action:   "vaults." + string(action),
			Resource: v.ID,
		})
		if !outcome.Allowed {
			return nil, fmt.Errorf("%w: blocked by team policy", ErrUnauthorized)
		}
		if outcome.RequiresApproval {
			requiresApproval = true
		}
	}
	if !requiresApproval {
		return nil, nil
	}
	// Account access executes on the requester's retry, so an approved
	// grant must let that retry through instead of staging again. Grants
	// are single-use.
	if action == ActionAccessAccount {
		granted, err := s.store.ConsumeApproval(ctx, v.ID, actorID, action, targetID, s.now().UTC())
		if err == nil {
			s.appendLog(ctx, v.ID, ActionApprovalConsumed, actorID, map[string]any{
				"approval_id": granted.ID, "account_id": targetID,
			})
			obs.RecordVaultApproval(string(StatusConsumed))
			return nil, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.createApproval(ctx, actorID, v, action, targetID, details)
}

func (s *Service) createApproval(ctx context.Context, actorID string, v *TeamVault, action VaultAction, targetID string, details map[string]any) (*VaultApproval, error) {
	now := s.now().UTC()
	a := &VaultApproval{
		ID:          ids.New(),
		VaultID:     v.ID,
		RequestedBy: actorID,
		RequestedAt: now,
		Action:      action,
		TargetID:    targetID,
		Details:     details,
		Status:      StatusPending,
		ExpiresAt:   now.Add(approvalWindow),
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		obs.Error("create approval failed", err, map[string]any{"vault_id": v.ID, "action": string(action)})
		return nil, err
	}
	s.appendLog(ctx, v.ID, ActionApprovalRequest, actorID, map[string]any{
		"approval_id": a.ID, "action": string(action), "target_id": targetID,
	})
	obs.RecordVaultApproval(string(StatusPending))
	return a, nil
}

// applyApproved dispatches the deferred action. Ownership and membership
// are re-validated against the current vault state, not the state at
// request time.
func (s *Service) applyApproved(ctx context.Context, v *TeamVault, a *VaultApproval) error {
	current, err := s.store.GetVault(ctx, a.VaultID)
	if err != nil {
		return err
	}
	switch a.Action {
	case ActionAddAccount:
		if current.HasAccount(a.TargetID) {
			return nil
		}
		if _, err := s.creds.FindCredential(ctx, a.TargetID); err != nil {
			return fmt.Errorf("%w: account %s", ErrNotFound, a.TargetID)
		}
		return s.executeAddAccount(ctx, current, a.RequestedBy, a.TargetID)
	case ActionRemoveAccount:
		if !current.HasAccount(a.TargetID) {
			return nil
		}
		return s.executeRemoveAccount(ctx, current, a.RequestedBy, a.TargetID)
	case ActionAddMember:
		if current.HasMember(a.TargetID) {
			return nil
		}
		return s.executeAddMember(ctx, current, a.RequestedBy, a.TargetID)
	case ActionRemoveMember:
		if a.TargetID == current.CreatedBy {
			return ErrCreatorRemoval
		}
		if !current.HasMember(a.TargetID) {
			return nil
		}
		return s.executeRemoveMember(ctx, current, a.RequestedBy, a.TargetID)
	case ActionUpdateVault:
		upd, err := decodeUpdate(a.Details)
		if err != nil {
			return err
		}
		if _, err := s.store.UpdateVault(ctx, a.VaultID, upd); err != nil {
			return err
		}
		s.appendLog(ctx, a.VaultID, ActionUpdateVault, a.RequestedBy, map[string]any{"approval_id": a.ID})
		return nil
	case ActionAccessAccount:
		// Nothing to execute here. The requester's retry redeems the
		// approved grant through the gate, which logs the consumption.
		return nil
	default:
		return fmt.Errorf("%w: unknown staged action %q", ErrInvalidInput, a.Action)
	}
}

func (s *Service) executeAddAccount(ctx context.Context, v *TeamVault, actorID, accountID string) error {
	now := s.now().UTC()
	va := &VaultAccount{
		ID:        ids.New(),
		VaultID:   v.ID,
		AccountID: accountID,
		AddedBy:   actorID,
		AddedAt:   now,
	}
	if err := s.store.AddAccount(ctx, v.ID, va); err != nil {
		obs.Error("add vault account failed", err, map[string]any{"vault_id": v.ID, "account_id": accountID})
		return err
	}
	s.appendLog(ctx, v.ID, ActionAddAccount, actorID, map[string]any{"account_id": accountID})
	return nil
}

func (s *Service) executeRemoveAccount(ctx context.Context, v *TeamVault, actorID, accountID string) error {
	if err := s.store.RemoveAccount(ctx, v.ID, accountID); err != nil {
		obs.Error("remove vault account failed", err, map[string]any{"vault_id": v.ID, "account_id": accountID})
		return err
	}
	s.appendLog(ctx, v.ID, ActionRemoveAccount, actorID, map[string]any{"account_id": accountID})
	return nil
}

func (s *Service) executeAddMember(ctx context.Context, v *TeamVault, actorID, userID string) error {
	if err := s.store.AddMember(ctx, v.ID, userID); err != nil {
		obs.Error("add vault member failed", err, map[string]any{"vault_id": v.ID, "user_id": userID})
		return err
	}
	s.appendLog(ctx, v.ID, ActionAddMember, actorID, map[string]any{"user_id": userID})
	return nil
}

func (s *Service) executeRemoveMember(ctx context.Context, v *TeamVault, actorID, userID string) error {
	if err := s.store.RemoveMember(ctx, v.ID, userID); err != nil {
		obs.Error("remove vault member failed", err, map[string]any{"vault_id": v.ID, "user_id": userID})
		return err
	}
	s.appendLog(ctx, v.ID, ActionRemoveMember, actorID, map[string]any{"user_id": userID})
	return nil
}

func (s *Service) canApprove(ctx context.Context, userID string, v *TeamVault) bool {
	if v.IsApprover(userID) {
		return true
	}
	decision := s.authz.CheckPermission(ctx, userID, rbac.ResourceVaults, rbac.ActionApprove, &rbac.Context{TeamID: v.TeamID})
	return decision.Allowed
}

func (s *Service) requireVaultPerm(ctx context.Context, actorID, teamID string, action rbac.Action) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	decision := s.authz.CheckPermission(ctx, actorID, rbac.ResourceVaults, action, &rbac.Context{TeamID: teamID})
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrUnauthorized, decision.Reason)
	}
	return nil
}

// appendLog writes one audit trail entry. The trail is the compliance
// surface for vaults, so a write failure is logged loudly but does not
// roll back the operation it describes.
func (s *Service) appendLog(ctx context.Context, vaultID string, action VaultAction, actorID string, details map[string]any) {
	entry := &AccessLog{
		ID:        ids.New(),
		VaultID:   vaultID,
		Action:    action,
		ActorID:   actorID,
		Timestamp: s.now().UTC(),
		Details:   details,
	}
	if err := s.store.AppendAccessLog(ctx, entry); err != nil {
		obs.Error("append vault access log failed", err, map[string]any{
			"vault_id": vaultID, "action": string(action),
		})
	}
}

// decodeUpdate reconstructs the staged VaultUpdate from approval details.
func decodeUpdate(details map[string]any) (VaultUpdate, error) {
	raw, ok := details["update"]
	if !ok {
		return VaultUpdate{}, fmt.Errorf("%w: staged update payload missing", ErrInvalidInput)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return VaultUpdate{}, fmt.Errorf("encode staged update: %w", err)
	}
	var upd VaultUpdate
	if err := json.Unmarshal(buf, &upd); err != nil {
		return VaultUpdate{}, fmt.Errorf("decode staged update: %w", err)
	}
	return upd, nil
}
