package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"actuaria.org/internal/audit"
	"actuaria.org/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestRecordLoginFailureReturnsPostIncrementState(t *testing.T) {
	store, mock := newMockStore(t)
	lockUntil := time.Now().Add(30 * time.Minute).UTC()

	// Fourth failure: below the threshold, no lock set.
	mock.ExpectQuery("update users").
		WithArgs("u1", 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(4, nil))

	attempts, locked, err := store.Users(context.Background()).RecordLoginFailure(context.Background(), "u1", 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if attempts != 4 || locked != nil {
		t.Fatalf("attempts=%d locked=%v", attempts, locked)
	}

	// Fifth failure crosses the threshold and returns the lock.
	mock.ExpectQuery("update users").
		WithArgs("u1", 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, lockUntil))

	attempts, locked, err = store.Users(context.Background()).RecordLoginFailure(context.Background(), "u1", 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if attempts != 5 || locked == nil || !locked.Equal(lockUntil) {
		t.Fatalf("attempts=%d locked=%v", attempts, locked)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordLoginFailureUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("update users").
		WithArgs("missing", 5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}))

	_, _, err := store.Users(context.Background()).RecordLoginFailure(context.Background(), "missing", 5, time.Now())
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkMigratedIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec("update users").
		WithArgs("u1", at, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := store.Users(context.Background()).MarkMigrated(context.Background(), "u1", at, true)
	if err != nil {
		t.Fatalf("MarkMigrated: %v", err)
	}
	if !changed {
		t.Fatal("first migration reported no change")
	}

	// Second run matches no rows: the guard is migrated_to_secure=false.
	mock.ExpectExec("update users").
		WithArgs("u1", at, true).
		WillReturnResult(sqlmock.NewResult(0, 0))
	changed, err = store.Users(context.Background()).MarkMigrated(context.Background(), "u1", at, true)
	if err != nil {
		t.Fatalf("second MarkMigrated: %v", err)
	}
	if changed {
		t.Fatal("second migration reported a change")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	replacement := &auth.Session{
		ID:               "s2",
		UserID:           "u1",
		Email:            "u@actuaria.org",
		RefreshTokenHash: "hash2",
		ExpiresAt:        time.Now().Add(time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select is_active from user_sessions").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))
	mock.ExpectExec("update user_sessions set is_active=false").
		WithArgs("s1", auth.LogoutSuperseded).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_sessions").
		WithArgs("s2", "u1", "u@actuaria.org", "hash2", "", "", replacement.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Sessions(context.Background()).Rotate(context.Background(), "s1", replacement); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateRejectsRevokedLineage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select is_active from user_sessions").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(false))
	mock.ExpectRollback()

	err := store.Sessions(context.Background()).Rotate(context.Background(), "s1", &auth.Session{ID: "s2"})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByEmailNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select (.+) from users where email=").
		WithArgs("nobody@actuaria.org").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Users(context.Background()).FindByEmail(context.Background(), "Nobody@actuaria.org")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGrantUnknownPermission(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into user_permissions").
		WithArgs("u1", "no:such", true, nil, "", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Permissions(context.Background()).Grant(context.Background(), auth.Override{
		UserID: "u1", Name: "no:such", Granted: true,
	})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	store, mock := newMockStore(t)
	before := time.Now().UTC()
	mock.ExpectExec("delete from user_sessions").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.Sessions(context.Background()).DeleteExpired(context.Background(), before)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 7 {
		t.Fatalf("deleted %d, want 7", n)
	}
}

func TestAuditSinkAppend(t *testing.T) {
	store, mock := newMockStore(t)
	ev := &audit.Event{
		ID:         "ev1",
		OccurredAt: time.Now().UTC(),
		UserID:     "u1",
		Type:       audit.EventLoginSuccess,
		Outcome:    audit.OutcomeSuccess,
		IP:         "10.0.0.1",
		Detail:     map[string]any{"mode": "secure"},
	}
	mock.ExpectExec("insert into audit_logs").
		WithArgs(ev.ID, ev.OccurredAt, "u1", ev.Type, ev.Outcome, "10.0.0.1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.AuditSink().Append(context.Background(), ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
