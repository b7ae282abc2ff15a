package rbac

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("rbac: not found")
	ErrConflict     = errors.New("rbac: resource conflict")
	ErrInvalidInput = errors.New("rbac: invalid input")
	ErrUnauthorized = errors.New("rbac: unauthorized")
	ErrSystemRole   = errors.New("rbac: system roles are immutable")
	ErrRoleInUse    = errors.New("rbac: role has active assignments")
)

// Resource is a closed enumeration of protectable resource families.
// Requests may target a dot-suffixed child of a family, e.g.
// "accounts.create" is matched by a grant on "accounts".
type Resource string

const (
	ResourceAccounts         Resource = "accounts"
	ResourceVaults           Resource = "vaults"
	ResourceTeamRoles        Resource = "team_roles"
	ResourceSecurityPolicies Resource = "security_policies"
	ResourceAuditLogs        Resource = "audit_logs"
	ResourceProvisioning     Resource = "provisioning"
	ResourceBackups          Resource = "backups"
	ResourceTeams            Resource = "teams"
)

// Matches reports whether a grant on r covers the requested resource:
// either an exact match or requested is a dot-suffixed child of r.
func (r Resource) Matches(requested Resource) bool {
	if r == requested {
		return true
	}
	return strings.HasPrefix(string(requested), string(r)+".")
}

// Action is a closed enumeration of operations a permission can allow.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionShare   Action = "share"
	ActionExport  Action = "export"
	ActionImport  Action = "import"
	ActionExecute Action = "execute"
	ActionApprove Action = "approve"
	ActionAudit   Action = "audit"
)

// ConditionType narrows when a permission grant applies.
type ConditionType string

const (
	ConditionOwn    ConditionType = "own"
	ConditionTeam   ConditionType = "team"
	ConditionCustom ConditionType = "custom"
)

// Condition operators recognized for ConditionCustom.
const (
	OperatorEquals   = "equals"
	OperatorContains = "contains"
	OperatorIn       = "in"
	OperatorExpr     = "expr"
)

// Condition is an attribute predicate attached to a permission. All
// conditions on a permission must hold for it to grant access.
type Condition struct {
	Type     ConditionType `json:"type"`
	Field    string        `json:"field,omitempty"`
	Operator string        `json:"operator,omitempty"`
	Value    any           `json:"value,omitempty"`
}

// Permission grants a set of actions on a resource family, optionally
// narrowed by conditions.
type Permission struct {
	Resource   Resource    `json:"resource"`
	Actions    []Action    `json:"actions"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Allows reports whether the permission's action list contains action.
func (p Permission) Allows(action Action) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Role is a named bundle of permissions. System roles are seeded at first
// boot and can never be mutated or deleted. Priority resolves conflicts:
// roles are scanned highest priority first and the first matching
// permission wins.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"is_system"`
	Priority    int          `json:"priority"`
	CreatedBy   string       `json:"created_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RoleUpdate carries partial role changes; nil fields are untouched.
type RoleUpdate struct {
	Name        *string
	Description *string
	Permissions *[]Permission
	Priority    *int
}

// UserRole links a user to a role, optionally scoped to a team. Revocation
// is soft (IsActive=false); expiry excludes the assignment from resolution
// without deleting it.
type UserRole struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	TeamID    string     `json:"team_id,omitempty"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// Context carries the caller-supplied attributes a condition can inspect.
type Context struct {
	TeamID        string         `json:"team_id,omitempty"`
	ResourceOwner string         `json:"resource_owner,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// Decision is the outcome of a permission check. Check failures never
// surface as errors; they come back as a deny with a diagnostic reason.
type Decision struct {
	Allowed           bool        `json:"allowed"`
	Reason            string      `json:"reason,omitempty"`
	MatchedRole       string      `json:"matched_role,omitempty"`
	MatchedPermission *Permission `json:"matched_permission,omitempty"`
}
