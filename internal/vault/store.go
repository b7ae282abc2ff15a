package vault

import (
	"context"
	"time"
)

// Store is the persistence surface of the vault layer. Mutations that
// touch both the vault document and a join record (account add/remove,
// vault delete) must be atomic in the implementation.
type Store interface {
	CreateVault(ctx context.Context, v *TeamVault) error
	GetVault(ctx context.Context, id string) (*TeamVault, error)
	ListVaults(ctx context.Context, teamID string) ([]*TeamVault, error)
	UpdateVault(ctx context.Context, id string, upd VaultUpdate) (*TeamVault, error)
	DeleteVault(ctx context.Context, id string) error

	AddAccount(ctx context.Context, vaultID string, va *VaultAccount) error
	RemoveAccount(ctx context.Context, vaultID, accountID string) error
	GetVaultAccount(ctx context.Context, vaultID, accountID string) (*VaultAccount, error)
	TouchVaultAccount(ctx context.Context, vaultID, accountID string, at time.Time) error

	AddMember(ctx context.Context, vaultID, userID string) error
	RemoveMember(ctx context.Context, vaultID, userID string) error

	CreateApproval(ctx context.Context, a *VaultApproval) error
	GetApproval(ctx context.Context, id string) (*VaultApproval, error)
	ListApprovals(ctx context.Context, vaultID string, status ApprovalStatus) ([]*VaultApproval, error)
	ResolveApproval(ctx context.Context, id string, status ApprovalStatus, resolvedBy, reason string, at time.Time) error
	// ConsumeApproval atomically flips the newest approved, unexpired
	// approval matching (vault, requester, action, target) to consumed
	// and returns it, or ErrNotFound when no such grant exists.
	ConsumeApproval(ctx context.Context, vaultID, requestedBy string, action VaultAction, targetID string, at time.Time) (*VaultApproval, error)
	ExpireApprovals(ctx context.Context, cutoff time.Time) ([]*VaultApproval, error)

	AppendAccessLog(ctx context.Context, entry *AccessLog) error
	ListAccessLogs(ctx context.Context, vaultID string, limit int) ([]*AccessLog, error)
}

// CredentialReader looks up a credential record so vault operations can
// validate references before acting.
type CredentialReader interface {
	FindCredential(ctx context.Context, accountID string) (*Credential, error)
}
