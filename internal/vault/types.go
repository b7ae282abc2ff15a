package vault

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("vault: not found")
	ErrConflict         = errors.New("vault: conflict")
	ErrInvalidInput     = errors.New("vault: invalid input")
	ErrUnauthorized     = errors.New("vault: unauthorized")
	ErrNotMember        = errors.New("vault: not a member")
	ErrCreatorRemoval   = errors.New("vault: creator cannot be removed")
	ErrApprovalRequired = errors.New("vault: approval required")
	ErrApprovalClosed   = errors.New("vault: approval is not pending")
	ErrApprovalExpired  = errors.New("vault: approval expired")
)

// approvalWindow is how long a pending approval stays actionable.
const approvalWindow = 24 * time.Hour

// Settings control approval gating and access behavior of a vault.
type Settings struct {
	RequireApproval    bool     `json:"require_approval"`
	Approvers          []string `json:"approvers,omitempty"`
	AutoLockMinutes    int      `json:"auto_lock_minutes,omitempty"`
	AllowExport        bool     `json:"allow_export"`
	AllowSharing       bool     `json:"allow_sharing"`
	AccessLogEnabled   bool     `json:"access_log_enabled"`
	RotationPolicyDays int      `json:"rotation_policy_days,omitempty"`
}

// TeamVault is a shared container of credential references with its own
// membership.
type TeamVault struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	TeamID      string    `json:"team_id"`
	CreatedBy   string    `json:"created_by"`
	MemberIDs   []string  `json:"member_ids"`
	AccountIDs  []string  `json:"account_ids"`
	Settings    Settings  `json:"settings"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasMember reports whether userID is in the vault's member set.
func (v *TeamVault) HasMember(userID string) bool {
	for _, id := range v.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HasAccount reports whether accountID is referenced by the vault.
func (v *TeamVault) HasAccount(accountID string) bool {
	for _, id := range v.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// IsApprover reports whether userID may resolve approvals by settings alone.
func (v *TeamVault) IsApprover(userID string) bool {
	for _, id := range v.Settings.Approvers {
		if id == userID {
			return true
		}
	}
	return false
}

// VaultUpdate carries partial vault changes. Nil fields are left untouched.
type VaultUpdate struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Settings    *Settings `json:"settings,omitempty"`
}

// VaultAccount is the join record between a vault and a credential,
// carrying access counters and optional per-account permission overrides.
type VaultAccount struct {
	ID                string     `json:"id"`
	VaultID           string     `json:"vault_id"`
	AccountID         string     `json:"account_id"`
	AddedBy           string     `json:"added_by"`
	AddedAt           time.Time  `json:"added_at"`
	AccessCount       int        `json:"access_count"`
	LastAccessedAt    *time.Time `json:"last_accessed_at,omitempty"`
	ViewPermissions   []string   `json:"view_permissions,omitempty"`
	EditPermissions   []string   `json:"edit_permissions,omitempty"`
	DeletePermissions []string   `json:"delete_permissions,omitempty"`
}

// allowedFor reports whether userID passes an optional per-account
// permission list. An empty list means no override: vault membership rules.
func allowedFor(list []string, userID string) bool {
	if len(list) == 0 {
		return true
	}
	for _, id := range list {
		if id == userID {
			return true
		}
	}
	return false
}

// VaultAction names every vault-scoped operation, used both as the access
// log verb and as the dispatch key for deferred approvals.
type VaultAction string

const (
	ActionCreateVault      VaultAction = "create_vault"
	ActionUpdateVault      VaultAction = "update_vault"
	ActionDeleteVault      VaultAction = "delete_vault"
	ActionAddAccount       VaultAction = "add_account"
	ActionRemoveAccount    VaultAction = "remove_account"
	ActionAddMember        VaultAction = "add_member"
	ActionRemoveMember     VaultAction = "remove_member"
	ActionAccessAccount    VaultAction = "access_account"
	ActionApprovalRequest  VaultAction = "approval_requested"
	ActionApprovalApproved VaultAction = "approval_approved"
	ActionApprovalDenied   VaultAction = "approval_denied"
	ActionApprovalExpired  VaultAction = "approval_expired"
	ActionApprovalConsumed VaultAction = "approval_consumed"
)

// ApprovalStatus is the approval state machine.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
	StatusExpired  ApprovalStatus = "expired"
	StatusConsumed ApprovalStatus = "consumed"
)

// CanTransition reports whether moving from s to next is a legal step.
// Pending resolves to approved, denied or expired; an approved grant is
// single-use and moves to consumed when the requester redeems it.
func (s ApprovalStatus) CanTransition(next ApprovalStatus) bool {
	switch s {
	case StatusPending:
		switch next {
		case StatusApproved, StatusDenied, StatusExpired:
			return true
		}
	case StatusApproved:
		return next == StatusConsumed
	}
	return false
}

// VaultApproval stages a deferred vault mutation pending sign-off.
type VaultApproval struct {
	ID          string         `json:"id"`
	VaultID     string         `json:"vault_id"`
	RequestedBy string         `json:"requested_by"`
	RequestedAt time.Time      `json:"requested_at"`
	Action      VaultAction    `json:"action"`
	TargetID    string         `json:"target_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Status      ApprovalStatus `json:"status"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// ExpiredAt reports whether the approval's window has passed at t while it
// is still pending.
func (a *VaultApproval) ExpiredAt(t time.Time) bool {
	return a.Status == StatusPending && t.After(a.ExpiresAt)
}

// AccessLog is one append-only entry of the vault audit trail.
type AccessLog struct {
	ID        string         `json:"id"`
	VaultID   string         `json:"vault_id"`
	Action    VaultAction    `json:"action"`
	ActorID   string         `json:"actor_id"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Credential is the slice of an account record vault operations validate
// against.
type Credential struct {
	ID      string `json:"id"`
	Issuer  string `json:"issuer"`
	Label   string `json:"label"`
	OwnerID string `json:"owner_id"`
}
