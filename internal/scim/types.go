package scim

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("scim: not found")
	ErrInvalidInput = errors.New("scim: invalid input")
	ErrUnauthorized = errors.New("scim: unauthorized")

	// ErrInvalidKey is deliberately uniform across the unknown, revoked,
	// expired and wrong-secret cases.
	ErrInvalidKey = errors.New("Invalid or inactive API key")
)

// API key scopes.
const (
	ScopeProvision = "provision"
	ScopeReadSync  = "read_sync"
)

// APIKey authenticates a provisioning caller. Only a hash of the secret is
// stored.
type APIKey struct {
	ID         string     `json:"id"`
	TeamID     string     `json:"team_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	AllowedIPs []string   `json:"allowed_ips,omitempty"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// HasScope reports whether the key carries the scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ProvisioningLog records one provisioning operation, success or failure.
type ProvisioningLog struct {
	ID           string         `json:"id"`
	TeamID       string         `json:"team_id"`
	KeyID        string         `json:"key_id,omitempty"`
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Success      bool           `json:"success"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SyncState is the run state of a team's identity sync.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncRunning SyncState = "syncing"
	SyncFailed  SyncState = "failed"
)

// SyncStatus is the single mutable per-team sync document callers poll.
type SyncStatus struct {
	TeamID     string     `json:"team_id"`
	State      SyncState  `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Deactivate int        `json:"deactivated"`
	Failed     int        `json:"failed"`
	LastError  string     `json:"last_error,omitempty"`
}

// SyncUser is one user record of a sync payload.
type SyncUser struct {
	ExternalID  string   `json:"external_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	Password    string   `json:"password,omitempty"`
	Active      bool     `json:"active"`
	Roles       []string `json:"roles,omitempty"`
	Vaults      []string `json:"vaults,omitempty"`
}
