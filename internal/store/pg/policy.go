package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultguard.org/internal/policy"
)

func (s *Store) CreatePolicy(ctx context.Context, p *policy.TeamPolicy) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	cfg, err := encodeJSON(p.Config)
	if err != nil {
		return err
	}
	enf, err := encodeJSON(p.Enforcement)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into team_policies (id, team_id, name, description, type, enabled, config, enforcement,
			violation_count, last_enforced_at, created_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, p.TeamID, p.Name, nullIfEmpty(p.Description), string(p.Type), p.Enabled, cfg, enf,
		p.ViolationCount, nullTime(p.LastEnforcedAt), nullIfEmpty(p.CreatedBy), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return policy.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id string) (*policy.TeamPolicy, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanPolicy(s.db.QueryRowContext(ctx, `
		select id, team_id, name, coalesce(description,''), type, enabled, config, enforcement,
			violation_count, last_enforced_at, coalesce(created_by,''), created_at, updated_at
		from team_policies where id = $1
	`, id))
}

func (s *Store) ListPolicies(ctx context.Context, teamID string, enabledOnly bool) ([]*policy.TeamPolicy, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, team_id, name, coalesce(description,''), type, enabled, config, enforcement,
			violation_count, last_enforced_at, coalesce(created_by,''), created_at, updated_at
		from team_policies
		where team_id = $1 and ($2 = false or enabled)
		order by created_at
	`, teamID, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*policy.TeamPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdatePolicy(ctx context.Context, id string, upd policy.PolicyUpdate) (*policy.TeamPolicy, error) {
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
	if upd.Enabled != nil {
		sets = append(sets, fmt.Sprintf("enabled = $%d", idx))
		args = append(args, *upd.Enabled)
		idx++
	}
	if upd.Config != nil {
		cfg, err := encodeJSON(*upd.Config)
		if err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("config = $%d", idx))
		args = append(args, cfg)
		idx++
	}
	if upd.Enforcement != nil {
		enf, err := encodeJSON(*upd.Enforcement)
		if err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("enforcement = $%d", idx))
		args = append(args, enf)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update team_policies set %s where id = $%d`, strings.Join(sets, ", "), idx)
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
			return nil, policy.ErrNotFound
		}
	}
	return s.GetPolicy(ctx, id)
}

func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from team_policies where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return policy.ErrNotFound
	}
	return nil
}

func (s *Store) MarkEnforced(ctx context.Context, policyID string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update team_policies
		set violation_count = violation_count + 1, last_enforced_at = $2
		where id = $1
	`, policyID, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return policy.ErrNotFound
	}
	return nil
}

func (s *Store) CreateViolation(ctx context.Context, v *policy.Violation) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	details, err := encodeJSON(v.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into policy_violations (id, policy_id, policy_name, policy_type, team_id, user_id, user_email,
			action, resource, severity, details, occurred_at, resolved)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false)
	`, v.ID, v.PolicyID, v.PolicyName, string(v.PolicyType), v.TeamID, v.UserID, nullIfEmpty(v.UserEmail),
		v.Action, nullIfEmpty(v.Resource), string(v.Severity), details, v.OccurredAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return policy.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) ListViolations(ctx context.Context, teamID string, filter policy.ViolationFilter) ([]*policy.Violation, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	where := []string{"team_id = $1"}
	args := []any{teamID}
	idx := 2
	if filter.UserID != "" {
		where = append(where, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, filter.UserID)
		idx++
	}
	if filter.PolicyType != "" {
		where = append(where, fmt.Sprintf("policy_type = $%d", idx))
		args = append(args, string(filter.PolicyType))
		idx++
	}
	if filter.Unresolved {
		where = append(where, "not resolved")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select id, policy_id, policy_name, policy_type, team_id, user_id, coalesce(user_email,''),
			action, coalesce(resource,''), severity, details, occurred_at,
			resolved, coalesce(resolved_by,''), resolved_at, coalesce(resolution,'')
		from policy_violations
		where %s
		order by occurred_at desc
		limit $%d
	`, strings.Join(where, " and "), idx), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*policy.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
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

func (s *Store) ResolveViolation(ctx context.Context, id, resolvedBy, resolution string, at time.Time) (*policy.Violation, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update policy_violations
		set resolved = true, resolved_by = $2, resolved_at = $3, resolution = $4
		where id = $1 and not resolved
	`, id, resolvedBy, at, resolution)
	if err != nil {
		return nil, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if aff == 0 {
		return nil, policy.ErrNotFound
	}
	return scanViolation(s.db.QueryRowContext(ctx, `
		select id, policy_id, policy_name, policy_type, team_id, user_id, coalesce(user_email,''),
			action, coalesce(resource,''), severity, details, occurred_at,
			resolved, coalesce(resolved_by,''), resolved_at, coalesce(resolution,'')
		from policy_violations where id = $1
	`, id))
}

func scanPolicy(row rowScanner) (*policy.TeamPolicy, error) {
	var (
		p            policy.TeamPolicy
		typ          string
		rawCfg       []byte
		rawEnf       []byte
		lastEnforced sql.NullTime
	)
	err := row.Scan(&p.ID, &p.TeamID, &p.Name, &p.Description, &typ, &p.Enabled, &rawCfg, &rawEnf,
		&p.ViolationCount, &lastEnforced, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Type = policy.Type(typ)
	p.LastEnforcedAt = timePtr(lastEnforced)
	if err := decodeJSONInto(rawCfg, &p.Config); err != nil {
		return nil, fmt.Errorf("decode policy config: %w", err)
	}
	if err := decodeJSONInto(rawEnf, &p.Enforcement); err != nil {
		return nil, fmt.Errorf("decode policy enforcement: %w", err)
	}
	return &p, nil
}

func scanViolation(row rowScanner) (*policy.Violation, error) {
	var (
		v          policy.Violation
		typ        string
		severity   string
		rawDetails []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(&v.ID, &v.PolicyID, &v.PolicyName, &typ, &v.TeamID, &v.UserID, &v.UserEmail,
		&v.Action, &v.Resource, &severity, &rawDetails, &v.OccurredAt,
		&v.Resolved, &v.ResolvedBy, &resolvedAt, &v.Resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.PolicyType = policy.Type(typ)
	v.Severity = policy.Severity(severity)
	v.ResolvedAt = timePtr(resolvedAt)
	if err := decodeJSONInto(rawDetails, &v.Details); err != nil {
		return nil, fmt.Errorf("decode violation details: %w", err)
	}
	return &v, nil
}
