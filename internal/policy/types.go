package policy

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("policy: not found")
	ErrConflict     = errors.New("policy: conflict")
	ErrInvalidInput = errors.New("policy: invalid input")
	ErrUnauthorized = errors.New("policy: unauthorized")
)

// Type enumerates the configurable team policy kinds.
type Type string

const (
	TypePasswordComplexity Type = "PASSWORD_COMPLEXITY"
	TypePasswordExpiry     Type = "PASSWORD_EXPIRY"
	TypeMFARequirement     Type = "MFA_REQUIREMENT"
	TypeSessionTimeout     Type = "SESSION_TIMEOUT"
	TypeIPRestriction      Type = "IP_RESTRICTION"
	TypeDeviceTrust        Type = "DEVICE_TRUST"
	TypeExportRestriction  Type = "EXPORT_RESTRICTION"
	TypeRetention          Type = "RETENTION"
	TypeEncryption         Type = "ENCRYPTION_REQUIREMENT"
	TypeApprovalWorkflow   Type = "APPROVAL_WORKFLOW"
	TypeBackupFrequency    Type = "BACKUP_FREQUENCY"
	TypeAccessReview       Type = "ACCESS_REVIEW"
	TypeTraining           Type = "TRAINING"
)

// Valid reports whether t is a known policy type.
func (t Type) Valid() bool {
	switch t {
	case TypePasswordComplexity, TypePasswordExpiry, TypeMFARequirement,
		TypeSessionTimeout, TypeIPRestriction, TypeDeviceTrust,
		TypeExportRestriction, TypeRetention, TypeEncryption,
		TypeApprovalWorkflow, TypeBackupFrequency, TypeAccessReview,
		TypeTraining:
		return true
	}
	return false
}

// Severity of a recorded violation. Fixed per policy type.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a policy type to the severity its violations carry.
func SeverityFor(t Type) Severity {
	switch t {
	case TypeMFARequirement, TypeEncryption:
		return SeverityHigh
	case TypeIPRestriction, TypeDeviceTrust:
		return SeverityCritical
	case TypePasswordComplexity, TypePasswordExpiry, TypeSessionTimeout:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Mode controls how a violated policy reacts.
type Mode string

const (
	ModeAudit   Mode = "audit"
	ModeWarn    Mode = "warn"
	ModeEnforce Mode = "enforce"
)

// EnforcementAction is a side effect a violated policy triggers.
type EnforcementAction string

const (
	ActionBlock          EnforcementAction = "BLOCK_ACTION"
	ActionRequireApprove EnforcementAction = "REQUIRE_APPROVAL"
	ActionNotifyUser     EnforcementAction = "NOTIFY_USER"
	ActionNotifyAdmin    EnforcementAction = "NOTIFY_ADMIN"
	ActionForceLogout    EnforcementAction = "FORCE_LOGOUT"
	ActionDisableAccount EnforcementAction = "DISABLE_ACCOUNT"
	ActionCustomWebhook  EnforcementAction = "CUSTOM_WEBHOOK"
)

// Enforcement describes how violations of a policy are handled.
type Enforcement struct {
	Mode              Mode                `json:"mode"`
	Actions           []EnforcementAction `json:"actions,omitempty"`
	ExemptUsers       []string            `json:"exempt_users,omitempty"`
	ExemptRoles       []string            `json:"exempt_roles,omitempty"`
	NotifyOnViolation bool                `json:"notify_on_violation"`
	BlockOnViolation  bool                `json:"block_on_violation"`
	WebhookURL        string              `json:"webhook_url,omitempty"`
}

// Config holds the type-specific settings of a policy. Only the fields
// relevant to the policy's type are consulted.
type Config struct {
	// PASSWORD_COMPLEXITY
	MinLength        int     `json:"min_length,omitempty"`
	MinEntropy       float64 `json:"min_entropy,omitempty"`
	RequireUppercase bool    `json:"require_uppercase,omitempty"`
	RequireNumbers   bool    `json:"require_numbers,omitempty"`
	RequireSymbols   bool    `json:"require_symbols,omitempty"`

	// PASSWORD_EXPIRY
	MaxAgeDays int `json:"max_age_days,omitempty"`

	// MFA_REQUIREMENT
	GracePeriodDays int `json:"grace_period_days"`

	// SESSION_TIMEOUT
	MaxIdleMinutes int `json:"max_idle_minutes,omitempty"`

	// IP_RESTRICTION
	AllowedIPs []string `json:"allowed_ips,omitempty"`
	BlockedIPs []string `json:"blocked_ips,omitempty"`

	// EXPORT_RESTRICTION
	AllowExport  bool `json:"allow_export"`
	AllowSharing bool `json:"allow_sharing"`

	// RETENTION / BACKUP_FREQUENCY / ACCESS_REVIEW / TRAINING
	RetentionDays      int `json:"retention_days,omitempty"`
	BackupIntervalDays int `json:"backup_interval_days,omitempty"`
	ReviewIntervalDays int `json:"review_interval_days,omitempty"`

	// APPROVAL_WORKFLOW
	ApprovalActions []string `json:"approval_actions,omitempty"`
}

// TeamPolicy is a configurable rule scoped to a team.
type TeamPolicy struct {
	ID             string      `json:"id"`
	TeamID         string      `json:"team_id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Type           Type        `json:"type"`
	Enabled        bool        `json:"enabled"`
	Config         Config      `json:"config"`
	Enforcement    Enforcement `json:"enforcement"`
	ViolationCount int         `json:"violation_count"`
	LastEnforcedAt *time.Time  `json:"last_enforced_at,omitempty"`
	CreatedBy      string      `json:"created_by"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PolicyUpdate carries partial changes to a policy. Nil fields are left
// untouched.
type PolicyUpdate struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Enabled     *bool        `json:"enabled,omitempty"`
	Config      *Config      `json:"config,omitempty"`
	Enforcement *Enforcement `json:"enforcement,omitempty"`
}

// Violation is an immutable record of a detected policy breach. Only the
// resolution fields change after creation.
type Violation struct {
	ID         string         `json:"id"`
	PolicyID   string         `json:"policy_id"`
	PolicyName string         `json:"policy_name"`
	PolicyType Type           `json:"policy_type"`
	TeamID     string         `json:"team_id"`
	UserID     string         `json:"user_id"`
	UserEmail  string         `json:"user_email,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Severity   Severity       `json:"severity"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Resolved   bool           `json:"resolved"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
}

// Input describes the action being evaluated against a team's policies.
type Input struct {
	UserID   string         `json:"user_id"`
	TeamID   string         `json:"team_id"`
	Action   string         `json:"action"`
	Resource string         `json:"resource,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// Outcome is the aggregate verdict across every applicable policy.
type Outcome struct {
	Allowed          bool         `json:"allowed"`
	Violated         bool         `json:"violated"`
	Violations       []*Violation `json:"violations,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
	RequiresApproval bool         `json:"requires_approval"`
	AppliedPolicies  []string     `json:"applied_policies,omitempty"`
}

// CheckResult is the minimal answer of the fast-path single-type checks.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
