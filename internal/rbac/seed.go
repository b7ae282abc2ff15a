package rbac

import (
	"context"
	"fmt"

	"vaultguard.org/internal/ids"
)

// System role names. These are seeded once at first boot and are immutable
// afterwards.
const (
	RoleSuperAdmin = "super_admin"
	RoleTeamAdmin  = "team_admin"
	RoleTeamMember = "team_member"
	RoleAuditor    = "auditor"
)

func systemRoles() []Role {
	return []Role{
		{
			Name:        RoleSuperAdmin,
			Description: "Unrestricted access to every resource",
			Priority:    100,
			IsSystem:    true,
			Permissions: []Permission{
				{Resource: ResourceAccounts, Actions: allActions()},
				{Resource: ResourceVaults, Actions: allActions()},
				{Resource: ResourceTeamRoles, Actions: allActions()},
				{Resource: ResourceSecurityPolicies, Actions: allActions()},
				{Resource: ResourceAuditLogs, Actions: allActions()},
				{Resource: ResourceProvisioning, Actions: allActions()},
				{Resource: ResourceBackups, Actions: allActions()},
				{Resource: ResourceTeams, Actions: allActions()},
			},
		},
		{
			Name:        RoleTeamAdmin,
			Description: "Administers roles, policies and vaults within a team",
			Priority:    80,
			IsSystem:    true,
			Permissions: []Permission{
				{Resource: ResourceAccounts, Actions: []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionShare, ActionExport, ActionImport}, Conditions: []Condition{{Type: ConditionTeam}}},
				{Resource: ResourceVaults, Actions: []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionShare, ActionApprove}, Conditions: []Condition{{Type: ConditionTeam}}},
				{Resource: ResourceTeamRoles, Actions: []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}, Conditions: []Condition{{Type: ConditionTeam}}},
				{Resource: ResourceSecurityPolicies, Actions: []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}, Conditions: []Condition{{Type: ConditionTeam}}},
				{Resource: ResourceAuditLogs, Actions: []Action{ActionRead, ActionAudit}, Conditions: []Condition{{Type: ConditionTeam}}},
				{Resource: ResourceProvisioning, Actions: []Action{ActionCreate, ActionRead, ActionUpdate, ActionExecute}, Conditions: []Condition{{Type: ConditionTeam}}},
			},
		},
		{
			Name:        RoleTeamMember,
			Description: "Works with own credentials and shared vaults",
			Priority:    50,
			IsSystem:    true,
			Permissions: []Permission{
				{Resource: ResourceAccounts, Actions: []Action{ActionCreate, ActionRead, ActionUpdate}, Conditions: []Condition{{Type: ConditionOwn}}},
				{Resource: ResourceVaults, Actions: []Action{ActionRead}, Conditions: []Condition{{Type: ConditionTeam}}},
			},
		},
		{
			Name:        RoleAuditor,
			Description: "Read-only access to audit surfaces",
			Priority:    30,
			IsSystem:    true,
			Permissions: []Permission{
				{Resource: ResourceAuditLogs, Actions: []Action{ActionRead, ActionAudit}},
				{Resource: ResourceSecurityPolicies, Actions: []Action{ActionRead}},
			},
		},
	}
}

func allActions() []Action {
	return []Action{
		ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionShare,
		ActionExport, ActionImport, ActionExecute, ActionApprove, ActionAudit,
	}
}

// SeedSystemRoles inserts the built-in roles if the role collection is
// empty. Safe to call on every boot.
func (s *Service) SeedSystemRoles(ctx context.Context) error {
	count, err := s.store.CountRoles(ctx)
	if err != nil {
		return fmt.Errorf("count roles: %w", err)
	}
	if count > 0 {
		return nil
	}
	now := s.now().UTC()
	for _, role := range systemRoles() {
		role.ID = ids.New()
		role.CreatedAt = now
		role.UpdatedAt = now
		if err := s.store.CreateRole(ctx, &role); err != nil {
			return fmt.Errorf("seed role %s: %w", role.Name, err)
		}
	}
	return nil
}
