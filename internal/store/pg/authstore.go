package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"actuaria.org/internal/auth"
	"actuaria.org/internal/ids"
)

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

const userColumns = `id, email, password_hash, first_name, last_name, department, role, restrictions,
	is_active, failed_login_attempts, locked_until, must_change_password,
	mfa_enabled, coalesce(mfa_secret,''), coalesce(temp_mfa_secret,''),
	migrated_to_secure, migration_date, legacy_auth_enabled,
	last_login, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u            auth.User
		restrictions []byte
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Department, &u.Role, &restrictions,
		&u.IsActive, &u.FailedLoginAttempts, &u.LockedUntil, &u.MustChangePassword,
		&u.MFAEnabled, &u.MFASecret, &u.TempMFASecret,
		&u.MigratedToSecure, &u.MigrationDate, &u.LegacyAuthEnabled,
		&u.LastLogin, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	if len(restrictions) > 0 {
		_ = json.Unmarshal(restrictions, &u.Restrictions)
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = auth.NormalizeEmail(u.Email)
	restrictions, _ := json.Marshal(u.Restrictions)
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, password_hash, first_name, last_name, department, role, restrictions,
			is_active, must_change_password, legacy_auth_enabled)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Department, u.Role, restrictions,
		u.IsActive, u.MustChangePassword, u.LegacyAuthEnabled)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, auth.NormalizeEmail(email)))
}

// RecordLoginFailure increments and reads back in one statement so two racing
// logins each observe their own post-increment count.
func (s *userStore) RecordLoginFailure(ctx context.Context, id string, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	var (
		attempts int
		locked   *time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1,
		    locked_until = case when failed_login_attempts + 1 >= $2 then $3 else locked_until end,
		    updated_at = now()
		where id=$1
		returning failed_login_attempts, locked_until
	`, id, maxAttempts, lockUntil).Scan(&attempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, auth.ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	return attempts, locked, nil
}

func (s *userStore) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked_until = null, last_login = $2, updated_at = now()
		where id=$1
	`, id, at)
	return oneRow(res, err)
}

func (s *userStore) SetPendingMFASecret(ctx context.Context, id, secret string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set temp_mfa_secret=$2, updated_at=now() where id=$1`, id, secret)
	return oneRow(res, err)
}

func (s *userStore) ActivateMFA(ctx context.Context, id, secret string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set mfa_enabled = true, mfa_secret = $2, temp_mfa_secret = null, updated_at = now()
		where id=$1
	`, id, secret)
	return oneRow(res, err)
}

func (s *userStore) DisableMFA(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set mfa_enabled = false, mfa_secret = null, temp_mfa_secret = null, updated_at = now()
		where id=$1
	`, id)
	return oneRow(res, err)
}

// MarkMigrated guards on migrated_to_secure=false so concurrent and repeated
// runs flip each user exactly once.
func (s *userStore) MarkMigrated(ctx context.Context, id string, at time.Time, disableLegacy bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update users
		set migrated_to_secure = true,
		    migration_date = $2,
		    legacy_auth_enabled = case when $3 then false else legacy_auth_enabled end,
		    updated_at = now()
		where id=$1 and migrated_to_secure = false
	`, id, at, disableLegacy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *userStore) ListUnmigrated(ctx context.Context, limit int) ([]*auth.User, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+`
		from users
		where is_active = true and migrated_to_secure = false
		order by created_at asc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (s *userStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set password_hash = $2, must_change_password = false, updated_at = now()
		where id=$1
	`, id, passwordHash)
	return oneRow(res, err)
}

func (s *userStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set is_active=false, updated_at=now() where id=$1`, id)
	return oneRow(res, err)
}

// Session store ------------------------------------------------------------

type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, user_id, email, refresh_token_hash, coalesce(ip_address,''), coalesce(user_agent,''),
	expires_at, last_used_at, is_active, coalesce(logout_reason,''), created_at`

func scanSession(row interface{ Scan(...any) error }) (*auth.Session, error) {
	var sess auth.Session
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Email, &sess.RefreshTokenHash, &sess.IPAddress, &sess.UserAgent,
		&sess.ExpiresAt, &sess.LastUsedAt, &sess.IsActive, &sess.LogoutReason, &sess.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_sessions(id, user_id, email, refresh_token_hash, ip_address, user_agent, expires_at, last_used_at, is_active)
		values($1,$2,$3,$4,$5,$6,$7,now(),true)
	`, sess.ID, sess.UserID, sess.Email, sess.RefreshTokenHash, sess.IPAddress, sess.UserAgent, sess.ExpiresAt)
	return err
}

func (s *sessionStore) FindByTokenHash(ctx context.Context, hash string) (*auth.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from user_sessions where refresh_token_hash=$1`, hash))
}

func (s *sessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update user_sessions set last_used_at=$2 where id=$1`, id, at)
	return oneRow(res, err)
}

// Rotate deactivates the old lineage and inserts its replacement in one
// transaction. The old row is locked first so a replayed refresh token loses
// the race instead of minting a second lineage.
func (s *sessionStore) Rotate(ctx context.Context, oldID string, replacement *auth.Session) error {
	if replacement.ID == "" {
		replacement.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx,
		`select is_active from user_sessions where id=$1 for update`, oldID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !active {
		return auth.ErrUnauthenticated
	}

	if _, err := tx.ExecContext(ctx, `
		update user_sessions set is_active=false, logout_reason=$2 where id=$1
	`, oldID, auth.LogoutSuperseded); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into user_sessions(id, user_id, email, refresh_token_hash, ip_address, user_agent, expires_at, last_used_at, is_active)
		values($1,$2,$3,$4,$5,$6,$7,now(),true)
	`, replacement.ID, replacement.UserID, replacement.Email, replacement.RefreshTokenHash,
		replacement.IPAddress, replacement.UserAgent, replacement.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sessionStore) Revoke(ctx context.Context, id string, reason auth.LogoutReason) error {
	res, err := s.db.ExecContext(ctx, `
		update user_sessions set is_active=false, logout_reason=$2 where id=$1
	`, id, reason)
	return oneRow(res, err)
}

func (s *sessionStore) RevokeByTokenHash(ctx context.Context, hash string, reason auth.LogoutReason) error {
	res, err := s.db.ExecContext(ctx, `
		update user_sessions set is_active=false, logout_reason=$2 where refresh_token_hash=$1
	`, hash, reason)
	return oneRow(res, err)
}

func (s *sessionStore) RevokeByUser(ctx context.Context, userID string, reason auth.LogoutReason) error {
	_, err := s.db.ExecContext(ctx, `
		update user_sessions set is_active=false, logout_reason=$2 where user_id=$1 and is_active=true
	`, userID, reason)
	return err
}

func (s *sessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from user_sessions where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Permission store ----------------------------------------------------------

type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions(id, name, resource, action)
			values($1,$2,$3,$4)
			on conflict (name) do nothing
		`, p.ID, p.Name, p.Resource, p.Action); err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, resource, action from permissions order by name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *permissionStore) ForRole(ctx context.Context, role auth.Role) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.name
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role = $1 and rp.granted = true
	`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *permissionStore) OverridesForUser(ctx context.Context, userID string) ([]auth.Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		select up.user_id, p.name, up.granted, up.expires_at, coalesce(up.granted_by,''), coalesce(up.reason,'')
		from user_permissions up
		join permissions p on p.id = up.permission_id
		where up.user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []auth.Override
	for rows.Next() {
		var o auth.Override
		if err := rows.Scan(&o.UserID, &o.Name, &o.Granted, &o.ExpiresAt, &o.GrantedBy, &o.Reason); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (s *permissionStore) Grant(ctx context.Context, o auth.Override) error {
	res, err := s.db.ExecContext(ctx, `
		insert into user_permissions(user_id, permission_id, granted, expires_at, granted_by, reason)
		select $1, p.id, $3, $4, nullif($5,''), nullif($6,'')
		from permissions p where p.name = $2
		on conflict (user_id, permission_id) do update
		set granted = excluded.granted,
		    expires_at = excluded.expires_at,
		    granted_by = excluded.granted_by,
		    reason = excluded.reason
	`, o.UserID, o.Name, o.Granted, o.ExpiresAt, o.GrantedBy, o.Reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// oneRow maps a zero-row update to ErrNotFound.
func oneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
