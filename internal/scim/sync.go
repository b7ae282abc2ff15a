package scim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/identity"
	"vaultguard.org/internal/ids"
	"vaultguard.org/internal/obs"
	"vaultguard.org/internal/rbac"
	"vaultguard.org/internal/vault"
)

// Authorizer answers provisioning admin permission questions. Satisfied by
// *rbac.Service.
type Authorizer interface {
	CheckPermission(ctx context.Context, userID string, resource rbac.Resource, action rbac.Action, pctx *rbac.Context) rbac.Decision
}

// RoleGranter resolves role names and grants them without an actor check;
// SCIM calls carry their authorization in the API key scope. Satisfied by
// *rbac.Service.
type RoleGranter interface {
	GetRoleByName(ctx context.Context, name string) (*rbac.Role, error)
	GrantRole(ctx context.Context, grantedBy, userID, roleID, teamID string, expiresAt *time.Time) (*rbac.UserRole, error)
}

// MembershipGranter adds vault members on behalf of the sync. Satisfied by
// *vault.Service.
type MembershipGranter interface {
	GrantMembership(ctx context.Context, grantedBy, vaultID, userID string) error
}

// Service provisions users from an external identity source and keeps the
// per-team sync status document.
type Service struct {
	store  Store
	authz  Authorizer
	users  identity.Directory
	roles  RoleGranter
	vaults MembershipGranter
	now    func() time.Time
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

// WithMembershipGranter wires vault membership provisioning. Without it,
// vault ids in sync payloads are logged as failures.
func WithMembershipGranter(g MembershipGranter) Option {
	return func(s *Service) { s.vaults = g }
}

// NewService constructs the provisioning component.
func NewService(store Store, authz Authorizer, users identity.Directory, roles RoleGranter, opts ...Option) (*Service, error) {
	if store == nil || authz == nil || users == nil || roles == nil {
		return nil, fmt.Errorf("%w: store, authorizer, directory and role granter are required", ErrInvalidInput)
	}
	svc := &Service{
		store: store,
		authz: authz,
		users: users,
		roles: roles,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// ProcessSync applies a batch of user records under the authority of an
// already-authenticated API key. The team's SyncStatus is flipped to
// syncing for the duration and every record outcome is written to the
// provisioning log.
func (s *Service) ProcessSync(ctx context.Context, key *APIKey, payload []SyncUser) (*SyncStatus, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidInput)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty sync payload", ErrInvalidInput)
	}

	started := s.now().UTC()
	status := &SyncStatus{TeamID: key.TeamID, State: SyncRunning, StartedAt: &started}
	if err := s.store.SetSyncStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("start sync: %w", err)
	}

	for _, su := range payload {
		if err := s.syncUser(ctx, key, su, status); err != nil {
			status.Failed++
			status.LastError = err.Error()
			s.logOp(ctx, key, "sync_user", "user", su.ExternalID, false, map[string]any{
				"email": su.Email, "error": err.Error(),
			})
		}
	}

	finished := s.now().UTC()
	status.FinishedAt = &finished
	status.State = SyncIdle
	if status.Failed > 0 {
		status.State = SyncFailed
	}
	if err := s.store.SetSyncStatus(ctx, status); err != nil {
		obs.Error("finish sync failed", err, map[string]any{"team_id": key.TeamID})
	}
	_ = audit.LogEvent(ctx, audit.EventSyncComplete, map[string]any{
		"team_id": key.TeamID, "created": status.Created, "updated": status.Updated,
		"deactivated": status.Deactivate, "failed": status.Failed,
	})
	return status, nil
}

func (s *Service) syncUser(ctx context.Context, key *APIKey, su SyncUser, status *SyncStatus) error {
	su.Email = strings.ToLower(strings.TrimSpace(su.Email))
	su.ExternalID = strings.TrimSpace(su.ExternalID)
	if su.Email == "" || su.ExternalID == "" {
		return fmt.Errorf("%w: external_id and email are required", ErrInvalidInput)
	}

	user, err := s.findExisting(ctx, su)
	switch {
	case err == nil:
		if err := s.updateExisting(ctx, key, su, user, status); err != nil {
			return err
		}
	case isNotFound(err):
		if !su.Active {
			// Nothing to deactivate.
			s.logOp(ctx, key, "skip_inactive", "user", su.ExternalID, true, nil)
			return nil
		}
		user, err = s.createUser(ctx, key, su)
		if err != nil {
			return err
		}
		status.Created++
	default:
		return fmt.Errorf("lookup user: %w", err)
	}

	if !su.Active {
		return nil
	}
	s.applyRoles(ctx, key, su, user)
	s.applyVaults(ctx, key, su, user)
	return nil
}

func (s *Service) findExisting(ctx context.Context, su SyncUser) (*identity.User, error) {
	user, err := s.users.FindByExternalID(ctx, su.ExternalID)
	if err == nil {
		return user, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	return s.users.FindByEmail(ctx, su.Email)
}

func (s *Service) createUser(ctx context.Context, key *APIKey, su SyncUser) (*identity.User, error) {
	now := s.now().UTC()
	user := &identity.User{
		ID:          ids.New(),
		Email:       su.Email,
		DisplayName: su.DisplayName,
		Status:      identity.StatusActive,
		ExternalID:  su.ExternalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if su.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(su.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = string(hash)
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.logOp(ctx, key, "create_user", "user", user.ID, true, map[string]any{"email": su.Email})
	return user, nil
}

func (s *Service) updateExisting(ctx context.Context, key *APIKey, su SyncUser, user *identity.User, status *SyncStatus) error {
	upd := identity.UserUpdate{}
	changed := false
	if su.DisplayName != "" && su.DisplayName != user.DisplayName {
		upd.DisplayName = &su.DisplayName
		changed = true
	}
	if user.ExternalID == "" {
		upd.ExternalID = &su.ExternalID
		changed = true
	}
	wantStatus := identity.StatusActive
	if !su.Active {
		wantStatus = identity.StatusDisabled
	}
	if user.Status != wantStatus {
		upd.Status = &wantStatus
		changed = true
	}
	if !changed {
		s.logOp(ctx, key, "noop_user", "user", user.ID, true, nil)
		return nil
	}
	updated, err := s.users.Update(ctx, user.ID, upd)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	*user = *updated
	if wantStatus == identity.StatusDisabled {
		status.Deactivate++
		s.logOp(ctx, key, "deactivate_user", "user", user.ID, true, nil)
	} else {
		status.Updated++
		s.logOp(ctx, key, "update_user", "user", user.ID, true, nil)
	}
	return nil
}

// applyRoles grants the payload's role names. Unknown roles and duplicate
// grants are logged, never fatal for the rest of the record.
func (s *Service) applyRoles(ctx context.Context, key *APIKey, su SyncUser, user *identity.User) {
	for _, name := range su.Roles {
		role, err := s.roles.GetRoleByName(ctx, name)
		if err != nil {
			s.logOp(ctx, key, "assign_role", "role", name, false, map[string]any{
				"user_id": user.ID, "error": "role not found",
			})
			continue
		}
		_, err = s.roles.GrantRole(ctx, "scim:"+key.ID, user.ID, role.ID, key.TeamID, nil)
		if err != nil && !isConflict(err) {
			s.logOp(ctx, key, "assign_role", "role", role.ID, false, map[string]any{
				"user_id": user.ID, "error": err.Error(),
			})
			continue
		}
		s.logOp(ctx, key, "assign_role", "role", role.ID, true, map[string]any{"user_id": user.ID})
	}
}

func (s *Service) applyVaults(ctx context.Context, key *APIKey, su SyncUser, user *identity.User) {
	for _, vaultID := range su.Vaults {
		if s.vaults == nil {
			s.logOp(ctx, key, "add_vault_member", "vault", vaultID, false, map[string]any{
				"user_id": user.ID, "error": "vault provisioning not configured",
			})
			continue
		}
		err := s.vaults.GrantMembership(ctx, "scim:"+key.ID, vaultID, user.ID)
		if err != nil && !isConflict(err) {
			s.logOp(ctx, key, "add_vault_member", "vault", vaultID, false, map[string]any{
				"user_id": user.ID, "error": err.Error(),
			})
			continue
		}
		s.logOp(ctx, key, "add_vault_member", "vault", vaultID, true, map[string]any{"user_id": user.ID})
	}
}

// GetSyncStatus returns the team's sync document, an idle zero document if
// none exists yet.
func (s *Service) GetSyncStatus(ctx context.Context, teamID string) (*SyncStatus, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, fmt.Errorf("%w: team_id is required", ErrInvalidInput)
	}
	status, err := s.store.GetSyncStatus(ctx, teamID)
	if isNotFound(err) {
		return &SyncStatus{TeamID: teamID, State: SyncIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

// GetProvisioningLogs lists recent provisioning log entries for a team.
func (s *Service) GetProvisioningLogs(ctx context.Context, actorID, teamID string, limit int) ([]*ProvisioningLog, error) {
	if err := s.requireProvisionAdmin(ctx, actorID, teamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListProvisioningLogs(ctx, teamID, limit)
}

// logOp appends a provisioning log entry. Log failures must not fail the
// sync itself.
func (s *Service) logOp(ctx context.Context, key *APIKey, op, resourceType, resourceID string, success bool, details map[string]any) {
	entry := &ProvisioningLog{
		ID:           ids.New(),
		TeamID:       key.TeamID,
		KeyID:        key.ID,
		Operation:    op,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Success:      success,
		Details:      details,
		Timestamp:    s.now().UTC(),
	}
	if err := s.store.CreateProvisioningLog(ctx, entry); err != nil {
		obs.Error("provisioning log failed", err, map[string]any{"operation": op})
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, identity.ErrNotFound) || errors.Is(err, ErrNotFound) || errors.Is(err, rbac.ErrNotFound)
}

func isConflict(err error) bool {
	return errors.Is(err, identity.ErrConflict) || errors.Is(err, rbac.ErrConflict) || errors.Is(err, vault.ErrConflict)
}
