package rbac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/cache"
	"vaultguard.org/internal/ids"
	"vaultguard.org/internal/obs"
)

const (
	decisionTTL         = 5 * time.Minute
	decisionCachePrefix = "perm:"
)

// Service is the RBAC engine: it resolves role assignments, matches
// permissions and answers allow/deny questions. Check results are cached
// per (user, resource, action, context) for a bounded TTL; every mutation
// that can change an answer invalidates the affected user's entries before
// returning.
type Service struct {
	store Store
	cache cache.Cache
	now   func() time.Time
	ttl   time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithDecisionTTL overrides the decision cache lifetime.
func WithDecisionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService constructs the engine. The cache is advisory; passing a fresh
// in-memory cache per process is the expected production setup.
func NewService(store Store, c cache.Cache, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if c == nil {
		c = cache.NewMemory()
	}
	svc := &Service{
		store: store,
		cache: c,
		now:   time.Now,
		ttl:   decisionTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CheckPermission decides whether userID may perform action on resource.
// It never returns an error: internal failures convert to a deny so an
// infrastructure outage cannot grant access.
func (s *Service) CheckPermission(ctx context.Context, userID string, resource Resource, action Action, pctx *Context) Decision {
	userID = strings.TrimSpace(userID)
	if userID == "" || resource == "" || action == "" {
		return Decision{Allowed: false, Reason: "invalid request"}
	}

	key := s.decisionKey(userID, resource, action, pctx)
	if v, ok := s.cache.Get(key); ok {
		if d, ok := v.(Decision); ok {
			return d
		}
	}

	decision, err := s.resolve(ctx, userID, resource, action, pctx)
	if err != nil {
		obs.Error("permission check failed", err, map[string]any{
			"user_id":  userID,
			"resource": string(resource),
			"action":   string(action),
		})
		obs.RecordPermissionDecision("deny")
		return Decision{Allowed: false, Reason: "permission check failed"}
	}

	s.cache.Set(key, decision, s.ttl)
	if decision.Allowed {
		obs.RecordPermissionDecision("allow")
	} else {
		obs.RecordPermissionDecision("deny")
	}
	return decision
}

func (s *Service) resolve(ctx context.Context, userID string, resource Resource, action Action, pctx *Context) (Decision, error) {
	teamID := ""
	if pctx != nil {
		teamID = pctx.TeamID
	}
	assignments, err := s.store.ActiveAssignments(ctx, userID, teamID, s.now())
	if err != nil {
		return Decision{}, fmt.Errorf("load assignments: %w", err)
	}
	if len(assignments) == 0 {
		return Decision{Allowed: false, Reason: "No roles assigned"}, nil
	}

	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	roles, err := s.store.RolesByIDs(ctx, roleIDs)
	if err != nil {
		return Decision{}, fmt.Errorf("load roles: %w", err)
	}
	sort.SliceStable(roles, func(i, j int) bool {
		return roles[i].Priority > roles[j].Priority
	})

	for _, role := range roles {
		for i := range role.Permissions {
			perm := role.Permissions[i]
			if !perm.Resource.Matches(resource) || !perm.Allows(action) {
				continue
			}
			if len(perm.Conditions) == 0 {
				return Decision{Allowed: true, MatchedRole: role.Name, MatchedPermission: &perm}, nil
			}
			if evaluateConditions(perm.Conditions, userID, pctx) {
				return Decision{Allowed: true, MatchedRole: role.Name, MatchedPermission: &perm}, nil
			}
		}
	}
	return Decision{Allowed: false, Reason: "No matching permissions"}, nil
}

// AssignRole grants roleID to userID, optionally scoped to teamID. The
// actor must already hold team_roles update permission in the target team
// scope. Rejects if an equivalent active assignment exists.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID, teamID string, expiresAt *time.Time) (*UserRole, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return nil, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.requireRoleAdmin(ctx, actorID, teamID, ActionUpdate); err != nil {
		return nil, err
	}
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	if _, err := s.store.FindActiveAssignment(ctx, userID, roleID, teamID, s.now()); err == nil {
		return nil, fmt.Errorf("%w: assignment already exists", ErrConflict)
	}

	assignment := &UserRole{
		ID:        ids.New(),
		UserID:    userID,
		RoleID:    roleID,
		TeamID:    teamID,
		GrantedBy: actorID,
		GrantedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
		IsActive:  true,
	}
	if err := s.store.CreateAssignment(ctx, assignment); err != nil {
		obs.Error("assign role failed", err, map[string]any{"user_id": userID, "role_id": roleID})
		return nil, err
	}
	s.invalidateUser(userID)
	_ = audit.LogEvent(ctx, audit.EventRoleAssign, map[string]any{
		"user_id": userID, "role_id": roleID, "team_id": teamID, "granted_by": actorID,
	})
	return assignment, nil
}

// GrantRole creates an assignment without an actor permission check. It
// exists for system paths that carry their own authorization: first-boot
// seeding and API-key-scoped provisioning.
func (s *Service) GrantRole(ctx context.Context, grantedBy, userID, roleID, teamID string, expiresAt *time.Time) (*UserRole, error) {
	if _, err := s.store.FindActiveAssignment(ctx, userID, roleID, teamID, s.now()); err == nil {
		return nil, fmt.Errorf("%w: assignment already exists", ErrConflict)
	}
	assignment := &UserRole{
		ID:        ids.New(),
		UserID:    userID,
		RoleID:    roleID,
		TeamID:    teamID,
		GrantedBy: grantedBy,
		GrantedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
		IsActive:  true,
	}
	if err := s.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, err
	}
	s.invalidateUser(userID)
	_ = audit.LogEvent(ctx, audit.EventRoleGrant, map[string]any{
		"user_id": userID, "role_id": roleID, "team_id": teamID, "granted_by": grantedBy,
	})
	return assignment, nil
}

// RevokeRole soft-revokes the active assignment of (user, role, team).
func (s *Service) RevokeRole(ctx context.Context, actorID, userID, roleID, teamID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.requireRoleAdmin(ctx, actorID, teamID, ActionUpdate); err != nil {
		return err
	}
	assignment, err := s.store.FindActiveAssignment(ctx, userID, roleID, teamID, s.now())
	if err != nil {
		return err
	}
	if err := s.store.DeactivateAssignment(ctx, assignment.ID); err != nil {
		obs.Error("revoke role failed", err, map[string]any{"user_id": userID, "role_id": roleID})
		return err
	}
	s.invalidateUser(userID)
	_ = audit.LogEvent(ctx, audit.EventRoleRevoke, map[string]any{
		"user_id": userID, "role_id": roleID, "team_id": teamID, "revoked_by": actorID,
	})
	return nil
}

// CreateRole creates a custom role. Name uniqueness is enforced.
func (s *Service) CreateRole(ctx context.Context, actorID string, role Role) (*Role, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if len(role.Permissions) == 0 {
		return nil, fmt.Errorf("%w: at least one permission is required", ErrInvalidInput)
	}
	if err := s.requireRoleAdmin(ctx, actorID, "", ActionCreate); err != nil {
		return nil, err
	}
	if _, err := s.store.GetRoleByName(ctx, role.Name); err == nil {
		return nil, fmt.Errorf("%w: role name %q already exists", ErrConflict, role.Name)
	}

	role.ID = ids.New()
	role.IsSystem = false
	role.CreatedBy = actorID
	role.CreatedAt = s.now().UTC()
	role.UpdatedAt = role.CreatedAt
	if err := s.store.CreateRole(ctx, &role); err != nil {
		obs.Error("create role failed", err, map[string]any{"name": role.Name})
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.EventRoleCreate, map[string]any{"role_id": role.ID, "name": role.Name})
	return &role, nil
}

// UpdateRole mutates a custom role. System roles always error.
func (s *Service) UpdateRole(ctx context.Context, actorID, roleID string, upd RoleUpdate) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := s.requireRoleAdmin(ctx, actorID, "", ActionUpdate); err != nil {
		return nil, err
	}
	existing, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if existing.IsSystem {
		return nil, ErrSystemRole
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	updated, err := s.store.UpdateRole(ctx, roleID, upd)
	if err != nil {
		obs.Error("update role failed", err, map[string]any{"role_id": roleID})
		return nil, err
	}
	s.invalidateRoleHolders(ctx, roleID)
	_ = audit.LogEvent(ctx, audit.EventRoleUpdate, map[string]any{"role_id": roleID})
	return updated, nil
}

// DeleteRole removes a custom role with no active assignments.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := s.requireRoleAdmin(ctx, actorID, "", ActionDelete); err != nil {
		return err
	}
	existing, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return ErrSystemRole
	}
	active, err := s.store.CountActiveAssignments(ctx, roleID, s.now())
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrRoleInUse
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		obs.Error("delete role failed", err, map[string]any{"role_id": roleID})
		return err
	}
	s.invalidateRoleHolders(ctx, roleID)
	_ = audit.LogEvent(ctx, audit.EventRoleDelete, map[string]any{"role_id": roleID, "name": existing.Name})
	return nil
}

// GetRoles lists all role definitions.
func (s *Service) GetRoles(ctx context.Context) ([]*Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole loads a single role definition.
func (s *Service) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, roleID)
}

// GetRoleByName loads a role definition by its unique name.
func (s *Service) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return s.store.GetRoleByName(ctx, name)
}

// GetUserPermissions flattens the permission set the user currently holds,
// optionally scoped to a team.
func (s *Service) GetUserPermissions(ctx context.Context, userID, teamID string) ([]Permission, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	assignments, err := s.store.ActiveAssignments(ctx, userID, teamID, s.now())
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, nil
	}
	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	roles, err := s.store.RolesByIDs(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(roles, func(i, j int) bool {
		return roles[i].Priority > roles[j].Priority
	})
	var perms []Permission
	for _, role := range roles {
		perms = append(perms, role.Permissions...)
	}
	return perms, nil
}

// RoleNamesForUser lists the names of roles the user actively holds. Used
// by the policy evaluator for role-based exemptions without touching the
// engine's internals.
func (s *Service) RoleNamesForUser(ctx context.Context, userID, teamID string) ([]string, error) {
	assignments, err := s.store.ActiveAssignments(ctx, userID, teamID, s.now())
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, nil
	}
	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	roles, err := s.store.RolesByIDs(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names, nil
}

func (s *Service) requireRoleAdmin(ctx context.Context, actorID, teamID string, action Action) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	var pctx *Context
	if teamID != "" {
		pctx = &Context{TeamID: teamID}
	}
	decision := s.CheckPermission(ctx, actorID, ResourceTeamRoles, action, pctx)
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrUnauthorized, decision.Reason)
	}
	return nil
}

func (s *Service) invalidateUser(userID string) {
	s.cache.InvalidatePrefix(decisionCachePrefix + userID + ":")
}

// invalidateRoleHolders drops cached decisions for every user holding the
// role. Falls back to a full decision-cache wipe if the holder list cannot
// be loaded, so a failed lookup can never leave stale grants.
func (s *Service) invalidateRoleHolders(ctx context.Context, roleID string) {
	userIDs, err := s.store.UserIDsWithRole(ctx, roleID, s.now())
	if err != nil {
		s.cache.InvalidatePrefix(decisionCachePrefix)
		return
	}
	for _, id := range userIDs {
		s.invalidateUser(id)
	}
}

func (s *Service) decisionKey(userID string, resource Resource, action Action, pctx *Context) string {
	h := sha256.New()
	h.Write([]byte(resource))
	h.Write([]byte{0})
	h.Write([]byte(action))
	if pctx != nil {
		raw, err := json.Marshal(pctx)
		if err == nil {
			h.Write([]byte{0})
			h.Write(raw)
		}
	}
	return decisionCachePrefix + userID + ":" + hex.EncodeToString(h.Sum(nil)[:12])
}
