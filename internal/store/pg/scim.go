package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vaultguard.org/internal/scim"
)

func (s *Store) CreateAPIKey(ctx context.Context, k *scim.APIKey) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	scopes, err := encodeJSON(k.Scopes)
	if err != nil {
		return err
	}
	ips, err := encodeJSON(k.AllowedIPs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into api_keys (id, team_id, name, key_hash, scopes, allowed_ips, active, expires_at, created_by, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, k.ID, k.TeamID, k.Name, k.KeyHash, scopes, ips, k.Active, nullTime(k.ExpiresAt), k.CreatedBy, k.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: api key exists", scim.ErrInvalidInput)
		}
		return err
	}
	return nil
}

const apiKeyColumns = `id, team_id, name, key_hash, scopes, allowed_ips, active, expires_at, created_by, created_at, last_used_at`

func (s *Store) GetAPIKey(ctx context.Context, id string) (*scim.APIKey, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanAPIKey(s.db.QueryRowContext(ctx,
		`select `+apiKeyColumns+` from api_keys where id = $1`, id))
}

func (s *Store) ListAPIKeys(ctx context.Context, teamID string) ([]*scim.APIKey, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+apiKeyColumns+` from api_keys where team_id = $1 order by created_at desc`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*scim.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `update api_keys set active = false where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return scim.ErrNotFound
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `update api_keys set last_used_at = $2 where id = $1`, id, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return scim.ErrNotFound
	}
	return nil
}

func (s *Store) CreateProvisioningLog(ctx context.Context, entry *scim.ProvisioningLog) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into provisioning_logs (id, team_id, key_id, operation, resource_type, resource_id, success, details, ts)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.TeamID, nullIfEmpty(entry.KeyID), entry.Operation, entry.ResourceType,
		nullIfEmpty(entry.ResourceID), entry.Success, details, entry.Timestamp)
	return err
}

func (s *Store) ListProvisioningLogs(ctx context.Context, teamID string, limit int) ([]*scim.ProvisioningLog, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, team_id, coalesce(key_id,''), operation, resource_type, coalesce(resource_id,''), success, details, ts
		from provisioning_logs
		where team_id = $1
		order by ts desc
		limit $2
	`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*scim.ProvisioningLog
	for rows.Next() {
		var (
			entry      scim.ProvisioningLog
			rawDetails []byte
		)
		if err := rows.Scan(&entry.ID, &entry.TeamID, &entry.KeyID, &entry.Operation, &entry.ResourceType,
			&entry.ResourceID, &entry.Success, &rawDetails, &entry.Timestamp); err != nil {
			return nil, err
		}
		if err := decodeJSONInto(rawDetails, &entry.Details); err != nil {
			return nil, err
		}
		result = append(result, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetSyncStatus(ctx context.Context, teamID string) (*scim.SyncStatus, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		status   scim.SyncStatus
		state    string
		started  sql.NullTime
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select team_id, state, started_at, finished_at, created, updated, deactivated, failed, coalesce(last_error,'')
		from sync_status where team_id = $1
	`, teamID).Scan(&status.TeamID, &state, &started, &finished,
		&status.Created, &status.Updated, &status.Deactivate, &status.Failed, &status.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scim.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	status.State = scim.SyncState(state)
	status.StartedAt = timePtr(started)
	status.FinishedAt = timePtr(finished)
	return &status, nil
}

// SetSyncStatus upserts the single per-team status row.
func (s *Store) SetSyncStatus(ctx context.Context, status *scim.SyncStatus) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sync_status (team_id, state, started_at, finished_at, created, updated, deactivated, failed, last_error)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9,''))
		on conflict (team_id) do update
		set state = excluded.state, started_at = excluded.started_at, finished_at = excluded.finished_at,
			created = excluded.created, updated = excluded.updated, deactivated = excluded.deactivated,
			failed = excluded.failed, last_error = excluded.last_error
	`, status.TeamID, string(status.State), nullTime(status.StartedAt), nullTime(status.FinishedAt),
		status.Created, status.Updated, status.Deactivate, status.Failed, status.LastError)
	return err
}

func scanAPIKey(row rowScanner) (*scim.APIKey, error) {
	var (
		k         scim.APIKey
		rawScopes []byte
		rawIPs    []byte
		expires   sql.NullTime
		lastUsed  sql.NullTime
	)
	err := row.Scan(&k.ID, &k.TeamID, &k.Name, &k.KeyHash, &rawScopes, &rawIPs,
		&k.Active, &expires, &k.CreatedBy, &k.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scim.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = timePtr(expires)
	k.LastUsedAt = timePtr(lastUsed)
	if err := decodeJSONInto(rawScopes, &k.Scopes); err != nil {
		return nil, err
	}
	if err := decodeJSONInto(rawIPs, &k.AllowedIPs); err != nil {
		return nil, err
	}
	return &k, nil
}
