package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultguard.org/internal/rbac"
)

func (s *Store) CreateRole(ctx context.Context, role *rbac.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	perms, err := encodeJSON(role.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (id, name, description, permissions, is_system, priority, created_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, role.ID, role.Name, nullIfEmpty(role.Description), perms, role.IsSystem, role.Priority,
		nullIfEmpty(role.CreatedBy), role.CreatedAt, role.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetRole(ctx context.Context, id string) (*rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return s.scanRole(s.db.QueryRowContext(ctx, `
		select id, name, coalesce(description,''), permissions, is_system, priority, coalesce(created_by,''), created_at, updated_at
		from roles where id = $1
	`, id))
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (*rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return s.scanRole(s.db.QueryRowContext(ctx, `
		select id, name, coalesce(description,''), permissions, is_system, priority, coalesce(created_by,''), created_at, updated_at
		from roles where name = $1
	`, name))
}

func (s *Store) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, coalesce(description,''), permissions, is_system, priority, coalesce(created_by,''), created_at, updated_at
		from roles
		order by priority desc, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

func (s *Store) RolesByIDs(ctx context.Context, roleIDs []string) ([]*rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if len(roleIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(roleIDs))
	args := make([]any, len(roleIDs))
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select id, name, coalesce(description,''), permissions, is_system, priority, coalesce(created_by,''), created_at, updated_at
		from roles where id in (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd rbac.RoleUpdate) (*rbac.Role, error) {
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
	if upd.Permissions != nil {
		perms, err := encodeJSON(*upd.Permissions)
		if err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("permissions = $%d", idx))
		args = append(args, perms)
		idx++
	}
	if upd.Priority != nil {
		sets = append(sets, fmt.Sprintf("priority = $%d", idx))
		args = append(args, *upd.Priority)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return nil, rbac.ErrConflict
			}
			return nil, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if aff == 0 {
			return nil, rbac.ErrNotFound
		}
	}
	return s.GetRole(ctx, id)
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.ErrRoleInUse
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) CountRoles(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `select count(*) from roles`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a *rbac.UserRole) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (id, user_id, role_id, team_id, granted_by, granted_at, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.UserID, a.RoleID, nullIfEmpty(a.TeamID), nullIfEmpty(a.GrantedBy), a.GrantedAt, nullTime(a.ExpiresAt), a.IsActive)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return rbac.ErrConflict
			case pgErrForeignKeyViolation:
				return rbac.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) FindActiveAssignment(ctx context.Context, userID, roleID, teamID string, now time.Time) (*rbac.UserRole, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, role_id, coalesce(team_id,''), coalesce(granted_by,''), granted_at, expires_at, is_active
		from user_roles
		where user_id = $1 and role_id = $2 and coalesce(team_id,'') = $3
		  and is_active and (expires_at is null or expires_at > $4)
		limit 1
	`, userID, roleID, teamID, now)
	return scanAssignment(row)
}

func (s *Store) ActiveAssignments(ctx context.Context, userID, teamID string, now time.Time) ([]*rbac.UserRole, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	// An empty team scope sees every assignment; a scoped lookup also sees
	// global (teamless) grants.
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, role_id, coalesce(team_id,''), coalesce(granted_by,''), granted_at, expires_at, is_active
		from user_roles
		where user_id = $1
		  and is_active and (expires_at is null or expires_at > $3)
		  and ($2 = '' or team_id is null or team_id = $2)
		order by granted_at
	`, userID, teamID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*rbac.UserRole
	for rows.Next() {
		a, err := scanAssignmentRow(rows)
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

func (s *Store) DeactivateAssignment(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `update user_roles set is_active = false where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) CountActiveAssignments(ctx context.Context, roleID string, now time.Time) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from user_roles
		where role_id = $1 and is_active and (expires_at is null or expires_at > $2)
	`, roleID, now).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) UserIDsWithRole(ctx context.Context, roleID string, now time.Time) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct user_id from user_roles
		where role_id = $1 and is_active and (expires_at is null or expires_at > $2)
	`, roleID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRole(row rowScanner) (*rbac.Role, error) {
	var (
		role     rbac.Role
		rawPerms []byte
	)
	err := row.Scan(&role.ID, &role.Name, &role.Description, &rawPerms, &role.IsSystem, &role.Priority,
		&role.CreatedBy, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJSONInto(rawPerms, &role.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	return &role, nil
}

func scanRoles(rows *sql.Rows) ([]*rbac.Role, error) {
	var result []*rbac.Role
	for rows.Next() {
		var (
			role     rbac.Role
			rawPerms []byte
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &rawPerms, &role.IsSystem, &role.Priority,
			&role.CreatedBy, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSONInto(rawPerms, &role.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
		result = append(result, &role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanAssignment(row rowScanner) (*rbac.UserRole, error) {
	var (
		a       rbac.UserRole
		expires sql.NullTime
	)
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.TeamID, &a.GrantedBy, &a.GrantedAt, &expires, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ExpiresAt = timePtr(expires)
	return &a, nil
}

func scanAssignmentRow(rows *sql.Rows) (*rbac.UserRole, error) {
	var (
		a       rbac.UserRole
		expires sql.NullTime
	)
	if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.TeamID, &a.GrantedBy, &a.GrantedAt, &expires, &a.IsActive); err != nil {
		return nil, err
	}
	a.ExpiresAt = timePtr(expires)
	return &a, nil
}
