package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth core. The
// relational implementation lives in internal/store/pg; an in-memory
// implementation backs tests and DSN-less development runs.
type Store interface {
	Users(ctx context.Context) UserStore
	Sessions(ctx context.Context) SessionStore
	Permissions(ctx context.Context) PermissionStore
}

// UserStore manages user records and their security state.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)

	// RecordLoginFailure increments the failure counter atomically and, when
	// the post-increment count reaches maxAttempts, sets locked_until. Two
	// racing logins must both observe their own post-increment count, so the
	// increment is a single row update, not read-modify-write.
	RecordLoginFailure(ctx context.Context, id string, maxAttempts int, lockUntil time.Time) (attempts int, lockedUntil *time.Time, err error)

	// RecordLoginSuccess resets the failure counter, clears the lock and
	// stamps last_login.
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error

	SetPendingMFASecret(ctx context.Context, id, secret string) error
	ActivateMFA(ctx context.Context, id, secret string) error
	DisableMFA(ctx context.Context, id string) error

	// MarkMigrated flips migrated_to_secure for a still-unmigrated user and
	// reports whether the row actually changed, which makes batch runs
	// idempotent. disableLegacy additionally turns legacy_auth_enabled off.
	MarkMigrated(ctx context.Context, id string, at time.Time, disableLegacy bool) (bool, error)
	ListUnmigrated(ctx context.Context, limit int) ([]*User, error)

	UpdatePassword(ctx context.Context, id, passwordHash string) error
	Deactivate(ctx context.Context, id string) error
}

// SessionStore manages legacy sessions and refresh-token lineages.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindByTokenHash(ctx context.Context, hash string) (*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error

	// Rotate deactivates the old session and inserts its replacement in one
	// transaction, so a replayed old refresh token can never resurrect a
	// revoked lineage.
	Rotate(ctx context.Context, oldID string, replacement *Session) error

	Revoke(ctx context.Context, id string, reason LogoutReason) error
	RevokeByTokenHash(ctx context.Context, hash string, reason LogoutReason) error
	RevokeByUser(ctx context.Context, userID string, reason LogoutReason) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// PermissionStore manages the permission catalog, the role matrix and
// per-user overrides.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)

	// ForRole returns the permission names the role matrix grants.
	ForRole(ctx context.Context, role Role) ([]string, error)

	// OverridesForUser returns all overrides including expired ones; the
	// resolver filters by expiry so expiry semantics live in one place.
	OverridesForUser(ctx context.Context, userID string) ([]Override, error)

	Grant(ctx context.Context, o Override) error
}
