package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"vaultguard.org/internal/identity"
)

const userColumns = `id, email, coalesce(display_name,''), status, mfa_enrolled, coalesce(password_hash,''), coalesce(external_id,''), created_at, updated_at`

func (s *Store) Create(ctx context.Context, u *identity.User) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, display_name, status, mfa_enrolled, password_hash, external_id, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Email, nullIfEmpty(u.DisplayName), u.Status, u.MFAEnrolled,
		nullIfEmpty(u.PasswordHash), nullIfEmpty(u.ExternalID), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) Find(ctx context.Context, id string) (*identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email = $1`, strings.ToLower(email)))
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where external_id = $1`, externalID))
}

func (s *Store) Update(ctx context.Context, id string, upd identity.UserUpdate) (*identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.DisplayName != nil {
		sets = append(sets, fmt.Sprintf("display_name = $%d", idx))
		args = append(args, nullIfEmpty(*upd.DisplayName))
		idx++
	}
	if upd.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", idx))
		args = append(args, *upd.Status)
		idx++
	}
	if upd.MFAEnrolled != nil {
		sets = append(sets, fmt.Sprintf("mfa_enrolled = $%d", idx))
		args = append(args, *upd.MFAEnrolled)
		idx++
	}
	if upd.Email != nil {
		sets = append(sets, fmt.Sprintf("email = $%d", idx))
		args = append(args, strings.ToLower(*upd.Email))
		idx++
	}
	if upd.ExternalID != nil {
		sets = append(sets, fmt.Sprintf("external_id = $%d", idx))
		args = append(args, nullIfEmpty(*upd.ExternalID))
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return nil, identity.ErrConflict
			}
			return nil, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if aff == 0 {
			return nil, identity.ErrNotFound
		}
	}
	return s.Find(ctx, id)
}

func scanUser(row rowScanner) (*identity.User, error) {
	var u identity.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Status, &u.MFAEnrolled,
		&u.PasswordHash, &u.ExternalID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
