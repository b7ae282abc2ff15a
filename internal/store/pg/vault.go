package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultguard.org/internal/vault"
)

func (s *Store) CreateVault(ctx context.Context, v *vault.TeamVault) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	members, err := encodeJSON(v.MemberIDs)
	if err != nil {
		return err
	}
	accounts, err := encodeJSON(v.AccountIDs)
	if err != nil {
		return err
	}
	settings, err := encodeJSON(v.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into team_vaults (id, name, description, team_id, created_by, member_ids, account_ids, settings, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, v.ID, v.Name, nullIfEmpty(v.Description), v.TeamID, v.CreatedBy, members, accounts, settings, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return vault.ErrConflict
		}
		return err
	}
	return nil
}

// FindCredential resolves a stored 2FA account record for vault operations.
func (s *Store) FindCredential(ctx context.Context, accountID string) (*vault.Credential, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var c vault.Credential
	err := s.db.QueryRowContext(ctx, `
		select id, coalesce(issuer,''), coalesce(label,''), owner_id
		from accounts where id = $1
	`, accountID).Scan(&c.ID, &c.Issuer, &c.Label, &c.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const vaultColumns = `id, name, coalesce(description,''), team_id, created_by, member_ids, account_ids, settings, created_at, updated_at`

func (s *Store) GetVault(ctx context.Context, id string) (*vault.TeamVault, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanVault(s.db.QueryRowContext(ctx,
		`select `+vaultColumns+` from team_vaults where id = $1`, id))
}

func (s *Store) ListVaults(ctx context.Context, teamID string) ([]*vault.TeamVault, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+vaultColumns+` from team_vaults where team_id = $1 order by name`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*vault.TeamVault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateVault(ctx context.Context, id string, upd vault.VaultUpdate) (*vault.TeamVault, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Description))
		idx++
	}
	if upd.Settings != nil {
		settings, err := encodeJSON(*upd.Settings)
		if err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("settings = $%d", idx))
		args = append(args, settings)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update team_vaults set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if aff == 0 {
			return nil, vault.ErrNotFound
		}
	}
	return s.GetVault(ctx, id)
}

// DeleteVault removes the vault document and its account join records as
// one transaction.
func (s *Store) DeleteVault(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from vault_accounts where vault_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from team_vaults where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return vault.ErrNotFound
	}
	return tx.Commit()
}

// AddAccount writes the join record and appends the account id to the
// vault document atomically.
func (s *Store) AddAccount(ctx context.Context, vaultID string, va *vault.VaultAccount) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	view, err := encodeJSON(va.ViewPermissions)
	if err != nil {
		return err
	}
	edit, err := encodeJSON(va.EditPermissions)
	if err != nil {
		return err
	}
	del, err := encodeJSON(va.DeletePermissions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into vault_accounts (id, vault_id, account_id, added_by, added_at, access_count,
			view_permissions, edit_permissions, delete_permissions)
		values ($1, $2, $3, $4, $5, 0, $6, $7, $8)
	`, va.ID, vaultID, va.AccountID, va.AddedBy, va.AddedAt, view, edit, del); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return vault.ErrConflict
			case pgErrForeignKeyViolation:
				return vault.ErrNotFound
			}
		}
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update team_vaults
		set account_ids = account_ids || to_jsonb($2::text), updated_at = now()
		where id = $1 and not account_ids ? $2
	`, vaultID, va.AccountID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return vault.ErrConflict
	}
	return tx.Commit()
}

// RemoveAccount deletes the join record and the account id from the vault
// document atomically.
func (s *Store) RemoveAccount(ctx context.Context, vaultID, accountID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from vault_accounts where vault_id = $1 and account_id = $2
	`, vaultID, accountID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update team_vaults
		set account_ids = account_ids - $2, updated_at = now()
		where id = $1
	`, vaultID, accountID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return vault.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) GetVaultAccount(ctx context.Context, vaultID, accountID string) (*vault.VaultAccount, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		va           vault.VaultAccount
		lastAccessed sql.NullTime
		rawView      []byte
		rawEdit      []byte
		rawDelete    []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, vault_id, account_id, added_by, added_at, access_count, last_accessed_at,
			view_permissions, edit_permissions, delete_permissions
		from vault_accounts
		where vault_id = $1 and account_id = $2
	`, vaultID, accountID).Scan(&va.ID, &va.VaultID, &va.AccountID, &va.AddedBy, &va.AddedAt,
		&va.AccessCount, &lastAccessed, &rawView, &rawEdit, &rawDelete)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	va.LastAccessedAt = timePtr(lastAccessed)
	if err := decodeJSONInto(rawView, &va.ViewPermissions); err != nil {
		return nil, err
	}
	if err := decodeJSONInto(rawEdit, &va.EditPermissions); err != nil {
		return nil, err
	}
	if err := decodeJSONInto(rawDelete, &va.DeletePermissions); err != nil {
		return nil, err
	}
	return &va, nil
}

func (s *Store) TouchVaultAccount(ctx context.Context, vaultID, accountID string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update vault_accounts
		set access_count = access_count + 1, last_accessed_at = $3
		where vault_id = $1 and account_id = $2
	`, vaultID, accountID, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return vault.ErrNotFound
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, vaultID, userID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update team_vaults
		set member_ids = member_ids || to_jsonb($2::text), updated_at = now()
		where id = $1 and not member_ids ? $2
	`, vaultID, userID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return vault.ErrConflict
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, vaultID, userID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update team_vaults
		set member_ids = member_ids - $2, updated_at = now()
		where id = $1
	`, vaultID, userID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return vault.ErrNotFound
	}
	return nil
}

func (s *Store) CreateApproval(ctx context.Context, a *vault.VaultApproval) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	details, err := encodeJSON(a.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into vault_approvals (id, vault_id, requested_by, requested_at, action, target_id, details, status, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.VaultID, a.RequestedBy, a.RequestedAt, string(a.Action), nullIfEmpty(a.TargetID), details, string(a.Status), a.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return vault.ErrNotFound
		}
		return err
	}
	return nil
}

const approvalColumns = `id, vault_id, requested_by, requested_at, action, coalesce(target_id,''), details, status, expires_at, coalesce(resolved_by,''), resolved_at, coalesce(reason,'')`

func (s *Store) GetApproval(ctx context.Context, id string) (*vault.VaultApproval, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanApproval(s.db.QueryRowContext(ctx,
		`select `+approvalColumns+` from vault_approvals where id = $1`, id))
}

func (s *Store) ListApprovals(ctx context.Context, vaultID string, status vault.ApprovalStatus) ([]*vault.VaultApproval, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+approvalColumns+` from vault_approvals
		where vault_id = $1 and ($2 = '' or status = $2)
		order by requested_at desc
	`, vaultID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*vault.VaultApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveApproval flips status only from pending, so concurrent resolvers
// cannot double-execute.
func (s *Store) ResolveApproval(ctx context.Context, id string, status vault.ApprovalStatus, resolvedBy, reason string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update vault_approvals
		set status = $2, resolved_by = nullif($3,''), resolved_at = $4, reason = nullif($5,'')
		where id = $1 and status = 'pending'
	`, id, string(status), resolvedBy, at, reason)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return vault.ErrApprovalClosed
	}
	return nil
}

// ConsumeApproval redeems the newest approved, unexpired grant for the
// requester and target. The status predicate makes redemption single-use
// even under concurrent retries.
func (s *Store) ConsumeApproval(ctx context.Context, vaultID, requestedBy string, action vault.VaultAction, targetID string, at time.Time) (*vault.VaultApproval, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	a, err := scanApproval(s.db.QueryRowContext(ctx, `
		update vault_approvals
		set status = 'consumed'
		where id = (
			select id from vault_approvals
			where vault_id = $1 and requested_by = $2 and action = $3
				and coalesce(target_id,'') = $4 and status = 'approved' and expires_at > $5
			order by requested_at desc
			limit 1
		)
		returning `+approvalColumns+`
	`, vaultID, requestedBy, string(action), targetID, at))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) ExpireApprovals(ctx context.Context, cutoff time.Time) ([]*vault.VaultApproval, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		update vault_approvals
		set status = 'expired', resolved_at = $1
		where status = 'pending' and expires_at < $1
		returning `+approvalColumns+`
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*vault.VaultApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AppendAccessLog(ctx context.Context, entry *vault.AccessLog) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into vault_access_logs (id, vault_id, action, actor_id, ts, details)
		values ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.VaultID, string(entry.Action), entry.ActorID, entry.Timestamp, details)
	return err
}

func (s *Store) ListAccessLogs(ctx context.Context, vaultID string, limit int) ([]*vault.AccessLog, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, vault_id, action, actor_id, ts, details
		from vault_access_logs
		where vault_id = $1
		order by ts desc
		limit $2
	`, vaultID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*vault.AccessLog
	for rows.Next() {
		var (
			entry      vault.AccessLog
			action     string
			rawDetails []byte
		)
		if err := rows.Scan(&entry.ID, &entry.VaultID, &action, &entry.ActorID, &entry.Timestamp, &rawDetails); err != nil {
			return nil, err
		}
		entry.Action = vault.VaultAction(action)
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

func scanVault(row rowScanner) (*vault.TeamVault, error) {
	var (
		v           vault.TeamVault
		rawMembers  []byte
		rawAccounts []byte
		rawSettings []byte
	)
	err := row.Scan(&v.ID, &v.Name, &v.Description, &v.TeamID, &v.CreatedBy,
		&rawMembers, &rawAccounts, &rawSettings, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJSONInto(rawMembers, &v.MemberIDs); err != nil {
		return nil, fmt.Errorf("decode member_ids: %w", err)
	}
	if err := decodeJSONInto(rawAccounts, &v.AccountIDs); err != nil {
		return nil, fmt.Errorf("decode account_ids: %w", err)
	}
	if err := decodeJSONInto(rawSettings, &v.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &v, nil
}

func scanApproval(row rowScanner) (*vault.VaultApproval, error) {
	var (
		a          vault.VaultApproval
		action     string
		status     string
		rawDetails []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.VaultID, &a.RequestedBy, &a.RequestedAt, &action, &a.TargetID,
		&rawDetails, &status, &a.ExpiresAt, &a.ResolvedBy, &resolvedAt, &a.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Action = vault.VaultAction(action)
	a.Status = vault.ApprovalStatus(status)
	a.ResolvedAt = timePtr(resolvedAt)
	if err := decodeJSONInto(rawDetails, &a.Details); err != nil {
		return nil, fmt.Errorf("decode approval details: %w", err)
	}
	return &a, nil
}
