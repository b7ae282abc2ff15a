package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/cache"
	"vaultguard.org/internal/identity"
	"vaultguard.org/internal/ids"
	"vaultguard.org/internal/obs"
	"vaultguard.org/internal/rbac"
)

const (
	policyTTL         = 10 * time.Minute
	policyCachePrefix = "policies:"
)

// Authorizer answers administrative permission questions. Satisfied by
// *rbac.Service.
type Authorizer interface {
	CheckPermission(ctx context.Context, userID string, resource rbac.Resource, action rbac.Action, pctx *rbac.Context) rbac.Decision
}

// RoleNamer lists the role names a user actively holds, for role-based
// exemptions. Satisfied by *rbac.Service.
type RoleNamer interface {
	RoleNamesForUser(ctx context.Context, userID, teamID string) ([]string, error)
}

// Notifier dispatches violation notifications to users and team admins.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, title, message string) error
	NotifyAdmins(ctx context.Context, teamID, title, message string) error
}

// Service evaluates team policies against actions and manages their
// lifecycle. Evaluation is read-path: it never returns an error to the
// caller, converting internal failures to a permissive result so an
// evaluator outage cannot lock users out of their credentials.
type Service struct {
	store    Store
	cache    cache.Cache
	authz    Authorizer
	roles    RoleNamer
	users    identity.Directory
	sessions identity.SessionManager
	devices  identity.DeviceTrust
	notifier Notifier
	now      func() time.Time
	ttl      time.Duration
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

// WithDirectory wires the user directory, used for MFA enrollment lookups
// and the DISABLE_ACCOUNT enforcement action.
func WithDirectory(d identity.Directory) Option {
	return func(s *Service) { s.users = d }
}

// WithSessionManager wires session invalidation for FORCE_LOGOUT.
func WithSessionManager(m identity.SessionManager) Option {
	return func(s *Service) { s.sessions = m }
}

// WithDeviceTrust wires the device trust oracle for DEVICE_TRUST policies.
func WithDeviceTrust(d identity.DeviceTrust) Option {
	return func(s *Service) { s.devices = d }
}

// WithNotifier wires violation notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithPolicyTTL overrides the per-team policy cache lifetime.
func WithPolicyTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService constructs the evaluator. Optional collaborators left unset
// make the corresponding policy types and enforcement actions no-ops.
func NewService(store Store, c cache.Cache, authz Authorizer, roles RoleNamer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if authz == nil {
		return nil, fmt.Errorf("%w: authorizer is required", ErrInvalidInput)
	}
	if c == nil {
		c = cache.NewMemory()
	}
	svc := &Service{
		store: store,
		cache: c,
		authz: authz,
		roles: roles,
		now:   time.Now,
		ttl:   policyTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreatePolicy creates a team policy. The actor must hold
// security_policies create permission in the team scope.
func (s *Service) CreatePolicy(ctx context.Context, actorID string, p TeamPolicy) (*TeamPolicy, error) {
	p.TeamID = strings.TrimSpace(p.TeamID)
	p.Name = strings.TrimSpace(p.Name)
	if p.TeamID == "" || p.Name == "" {
		return nil, fmt.Errorf("%w: team_id and name are required", ErrInvalidInput)
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown policy type %q", ErrInvalidInput, p.Type)
	}
	if err := s.requirePolicyAdmin(ctx, actorID, p.TeamID, rbac.ActionCreate); err != nil {
		return nil, err
	}
	if p.Enforcement.Mode == "" {
		p.Enforcement.Mode = ModeAudit
	}

	p.ID = ids.New()
	p.ViolationCount = 0
	p.LastEnforcedAt = nil
	p.CreatedBy = actorID
	p.CreatedAt = s.now().UTC()
	p.UpdatedAt = p.CreatedAt
	if err := s.store.CreatePolicy(ctx, &p); err != nil {
		obs.Error("create policy failed", err, map[string]any{"team_id": p.TeamID, "name": p.Name})
		return nil, err
	}
	s.invalidateTeam(p.TeamID)
	_ = audit.LogEvent(ctx, audit.EventPolicyCreate, map[string]any{
		"policy_id": p.ID, "team_id": p.TeamID, "type": string(p.Type),
	})
	return &p, nil
}

// UpdatePolicy applies a partial update and invalidates the team's cache.
func (s *Service) UpdatePolicy(ctx context.Context, actorID, policyID string, upd PolicyUpdate) (*TeamPolicy, error) {
	policyID = strings.TrimSpace(policyID)
	if policyID == "" {
		return nil, fmt.Errorf("%w: policy_id is required", ErrInvalidInput)
	}
	existing, err := s.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if err := s.requirePolicyAdmin(ctx, actorID, existing.TeamID, rbac.ActionUpdate); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdatePolicy(ctx, policyID, upd)
	if err != nil {
		obs.Error("update policy failed", err, map[string]any{"policy_id": policyID})
		return nil, err
	}
	s.invalidateTeam(existing.TeamID)
	_ = audit.LogEvent(ctx, audit.EventPolicyUpdate, map[string]any{"policy_id": policyID, "team_id": existing.TeamID})
	return updated, nil
}

// DeletePolicy removes a policy.
func (s *Service) DeletePolicy(ctx context.Context, actorID, policyID string) error {
	policyID = strings.TrimSpace(policyID)
	if policyID == "" {
		return fmt.Errorf("%w: policy_id is required", ErrInvalidInput)
	}
	existing, err := s.store.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if err := s.requirePolicyAdmin(ctx, actorID, existing.TeamID, rbac.ActionDelete); err != nil {
		return err
	}
	if err := s.store.DeletePolicy(ctx, policyID); err != nil {
		obs.Error("delete policy failed", err, map[string]any{"policy_id": policyID})
		return err
	}
	s.invalidateTeam(existing.TeamID)
	_ = audit.LogEvent(ctx, audit.EventPolicyDelete, map[string]any{"policy_id": policyID, "team_id": existing.TeamID})
	return nil
}

// GetPolicies lists a team's policies, enabled or not.
func (s *Service) GetPolicies(ctx context.Context, actorID, teamID string) ([]*TeamPolicy, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, fmt.Errorf("%w: team_id is required", ErrInvalidInput)
	}
	if err := s.requirePolicyAdmin(ctx, actorID, teamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListPolicies(ctx, teamID, false)
}

// GetPolicyViolations lists recorded violations for a team.
func (s *Service) GetPolicyViolations(ctx context.Context, actorID, teamID string, filter ViolationFilter) ([]*Violation, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, fmt.Errorf("%w: team_id is required", ErrInvalidInput)
	}
	if err := s.requirePolicyAdmin(ctx, actorID, teamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListViolations(ctx, teamID, filter)
}

// ResolveViolation closes a violation with a resolution note.
func (s *Service) ResolveViolation(ctx context.Context, actorID, violationID, resolution string) (*Violation, error) {
	violationID = strings.TrimSpace(violationID)
	resolution = strings.TrimSpace(resolution)
	if violationID == "" || resolution == "" {
		return nil, fmt.Errorf("%w: violation_id and resolution are required", ErrInvalidInput)
	}
	if err := s.requirePolicyAdmin(ctx, actorID, "", rbac.ActionUpdate); err != nil {
		return nil, err
	}
	resolved, err := s.store.ResolveViolation(ctx, violationID, actorID, resolution, s.now().UTC())
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.EventPolicyViolationResolve, map[string]any{
		"violation_id": violationID, "resolved_by": actorID,
	})
	return resolved, nil
}

func (s *Service) requirePolicyAdmin(ctx context.Context, actorID, teamID string, action rbac.Action) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	var pctx *rbac.Context
	if teamID != "" {
		pctx = &rbac.Context{TeamID: teamID}
	}
	decision := s.authz.CheckPermission(ctx, actorID, rbac.ResourceSecurityPolicies, action, pctx)
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrUnauthorized, decision.Reason)
	}
	return nil
}

// teamPolicies returns the team's enabled policies, served from cache for
// a bounded TTL.
func (s *Service) teamPolicies(ctx context.Context, teamID string) ([]*TeamPolicy, error) {
	key := policyCachePrefix + teamID
	if v, ok := s.cache.Get(key); ok {
		if policies, ok := v.([]*TeamPolicy); ok {
			return policies, nil
		}
	}
	policies, err := s.store.ListPolicies(ctx, teamID, true)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, policies, s.ttl)
	return policies, nil
}

func (s *Service) invalidateTeam(teamID string) {
	s.cache.Delete(policyCachePrefix + teamID)
}
