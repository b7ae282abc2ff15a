package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"vaultguard.org/internal/rbac"
	"vaultguard.org/internal/scim"
	"vaultguard.org/internal/vault"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestCreateRoleMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into roles").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.CreateRole(context.Background(), &rbac.Role{
		ID: "r1", Name: "dup", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if !errors.Is(err, rbac.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetRoleDecodesPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	perms := `[{"resource":"accounts","actions":["read","update"],"conditions":[{"type":"own"}]}]`
	mock.ExpectQuery("from roles where id").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "permissions", "is_system", "priority", "created_by", "created_at", "updated_at",
		}).AddRow("r1", "team_member", "", []byte(perms), true, 50, "", now, now))

	role, err := store.GetRole(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if len(role.Permissions) != 1 {
		t.Fatalf("expected one permission, got %d", len(role.Permissions))
	}
	p := role.Permissions[0]
	if p.Resource != rbac.ResourceAccounts || !p.Allows(rbac.ActionUpdate) {
		t.Fatalf("permission not decoded: %+v", p)
	}
	if len(p.Conditions) != 1 || p.Conditions[0].Type != rbac.ConditionOwn {
		t.Fatalf("conditions not decoded: %+v", p.Conditions)
	}
}

func TestAddAccountIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into vault_accounts").
		WithArgs(sqlmock.AnyArg(), "v1", "acct-1", "u1", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update team_vaults").
		WithArgs("v1", "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.AddAccount(context.Background(), "v1", &vault.VaultAccount{
		ID: "va1", VaultID: "v1", AccountID: "acct-1", AddedBy: "u1", AddedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddAccountRollsBackOnDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into vault_accounts").
		WithArgs(sqlmock.AnyArg(), "v1", "acct-1", "u1", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := store.AddAccount(context.Background(), "v1", &vault.VaultAccount{
		ID: "va1", VaultID: "v1", AccountID: "acct-1", AddedBy: "u1", AddedAt: time.Now(),
	})
	if !errors.Is(err, vault.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveApprovalOnlyFromPending(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update vault_approvals").
		WithArgs("a1", "approved", "approver", sqlmock.AnyArg(), "ok").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.ResolveApproval(context.Background(), "a1", vault.StatusApproved, "approver", "ok", time.Now())
	if !errors.Is(err, vault.ErrApprovalClosed) {
		t.Fatalf("expected closed error for already-resolved approval, got %v", err)
	}
}

func TestConsumeApprovalRedeemsApprovedGrant(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	resolved := now.Add(-time.Hour)
	mock.ExpectQuery("update vault_approvals").
		WithArgs("v1", "member", "access_account", "acct-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "vault_id", "requested_by", "requested_at", "action", "target_id",
			"details", "status", "expires_at", "resolved_by", "resolved_at", "reason",
		}).AddRow("a1", "v1", "member", now.Add(-2*time.Hour), "access_account", "acct-1",
			[]byte(`{}`), "consumed", now.Add(22*time.Hour), "creator", resolved, "ok"))

	a, err := store.ConsumeApproval(context.Background(), "v1", "member", vault.ActionAccessAccount, "acct-1", now)
	if err != nil {
		t.Fatalf("ConsumeApproval: %v", err)
	}
	if a.ID != "a1" || a.Status != vault.StatusConsumed {
		t.Fatalf("unexpected grant: %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeApprovalWithoutGrant(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("update vault_approvals").
		WithArgs("v1", "member", "access_account", "acct-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "vault_id", "requested_by", "requested_at", "action", "target_id",
			"details", "status", "expires_at", "resolved_by", "resolved_at", "reason",
		}))

	if _, err := store.ConsumeApproval(context.Background(), "v1", "member", vault.ActionAccessAccount, "acct-1", time.Now()); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected not-found without an approved grant, got %v", err)
	}
}

func TestSetSyncStatusUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into sync_status").
		WithArgs("team-1", "syncing", sqlmock.AnyArg(), sqlmock.AnyArg(), 0, 0, 0, 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	started := time.Now()
	err := store.SetSyncStatus(context.Background(), &scim.SyncStatus{
		TeamID: "team-1", State: scim.SyncRunning, StartedAt: &started,
	})
	if err != nil {
		t.Fatalf("SetSyncStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
