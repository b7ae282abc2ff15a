package scim

import (
	"context"
	"time"
)

// Store is the persistence surface of the provisioning component.
type Store interface {
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, teamID string) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	CreateProvisioningLog(ctx context.Context, entry *ProvisioningLog) error
	ListProvisioningLogs(ctx context.Context, teamID string, limit int) ([]*ProvisioningLog, error)

	GetSyncStatus(ctx context.Context, teamID string) (*SyncStatus, error)
	SetSyncStatus(ctx context.Context, status *SyncStatus) error
}
