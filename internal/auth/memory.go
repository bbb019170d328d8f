package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"actuaria.org/internal/ids"
)

// MemoryStore implements Store in process memory. It backs tests and
// DSN-less development runs; production uses internal/store/pg.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	byEmail   map[string]string
	sessions  map[string]*Session
	byHash    map[string]string
	catalog   map[string]Permission
	roleGrant map[Role]map[string]bool
	overrides map[string][]Override
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store with the default role matrix.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		users:     make(map[string]*User),
		byEmail:   make(map[string]string),
		sessions:  make(map[string]*Session),
		byHash:    make(map[string]string),
		catalog:   make(map[string]Permission),
		roleGrant: make(map[Role]map[string]bool),
		overrides: make(map[string][]Override),
	}
	// Default matrix mirroring the seed data.
	s.SetRoleMatrix(RoleActuary, []string{
		PermCalculationsRead, PermCalculationsWrite,
		PermReportsRead, PermReportsWrite, PermReportsGenerate,
	})
	s.SetRoleMatrix(RoleAnalyst, []string{
		PermCalculationsRead, PermReportsRead, PermReportsGenerate,
	})
	s.SetRoleMatrix(RoleViewer, []string{PermReportsRead})
	return s
}

// SetRoleMatrix replaces the granted set for a role.
func (s *MemoryStore) SetRoleMatrix(role Role, names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grants := make(map[string]bool, len(names))
	for _, n := range names {
		grants[n] = true
	}
	s.roleGrant[role] = grants
}

func (s *MemoryStore) Users(context.Context) UserStore             { return (*memUserStore)(s) }
func (s *MemoryStore) Sessions(context.Context) SessionStore       { return (*memSessionStore)(s) }
func (s *MemoryStore) Permissions(context.Context) PermissionStore { return (*memPermissionStore)(s) }

// User store ---------------------------------------------------------------

type memUserStore MemoryStore

func (s *memUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	email := NormalizeEmail(u.Email)
	if _, ok := s.byEmail[email]; ok {
		return fmt.Errorf("%w: email %s", ErrAlreadyExists, email)
	}
	now := time.Now().UTC()
	u.Email = email
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	s.byEmail[email] = u.ID
	return nil
}

func (s *memUserStore) Find(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *memUserStore) RecordLoginFailure(_ context.Context, id string, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	u.FailedLoginAttempts++
	u.UpdatedAt = time.Now().UTC()
	if u.FailedLoginAttempts >= maxAttempts {
		until := lockUntil
		u.LockedUntil = &until
	}
	var locked *time.Time
	if u.LockedUntil != nil {
		cp := *u.LockedUntil
		locked = &cp
	}
	return u.FailedLoginAttempts, locked, nil
}

func (s *memUserStore) RecordLoginSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	last := at
	u.LastLogin = &last
	u.UpdatedAt = at
	return nil
}

func (s *memUserStore) SetPendingMFASecret(_ context.Context, id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.TempMFASecret = secret
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memUserStore) ActivateMFA(_ context.Context, id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.MFAEnabled = true
	u.MFASecret = secret
	u.TempMFASecret = ""
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memUserStore) DisableMFA(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.MFAEnabled = false
	u.MFASecret = ""
	u.TempMFASecret = ""
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memUserStore) MarkMigrated(_ context.Context, id string, at time.Time, disableLegacy bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if u.MigratedToSecure {
		return false, nil
	}
	u.MigratedToSecure = true
	date := at
	u.MigrationDate = &date
	if disableLegacy {
		u.LegacyAuthEnabled = false
	}
	u.UpdatedAt = at
	return true, nil
}

func (s *memUserStore) ListUnmigrated(_ context.Context, limit int) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*User
	for _, u := range s.users {
		if !u.IsActive || u.MigratedToSecure {
			continue
		}
		cp := *u
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memUserStore) UpdatePassword(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.MustChangePassword = false
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memUserStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsActive = false
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Session store ------------------------------------------------------------

type memSessionStore MemoryStore

func (s *memSessionStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	if _, ok := s.byHash[sess.RefreshTokenHash]; ok {
		return fmt.Errorf("%w: token hash", ErrAlreadyExists)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.byHash[sess.RefreshTokenHash] = sess.ID
	return nil
}

func (s *memSessionStore) FindByTokenHash(_ context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.sessions[id]
	return &cp, nil
}

func (s *memSessionStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastUsedAt = at
	return nil
}

func (s *memSessionStore) Rotate(_ context.Context, oldID string, replacement *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.sessions[oldID]
	if !ok {
		return ErrNotFound
	}
	if replacement.ID == "" {
		replacement.ID = ids.New()
	}
	if replacement.CreatedAt.IsZero() {
		replacement.CreatedAt = time.Now().UTC()
	}
	old.IsActive = false
	old.LogoutReason = LogoutSuperseded
	cp := *replacement
	s.sessions[replacement.ID] = &cp
	s.byHash[replacement.RefreshTokenHash] = replacement.ID
	return nil
}

func (s *memSessionStore) Revoke(_ context.Context, id string, reason LogoutReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.IsActive = false
	sess.LogoutReason = reason
	return nil
}

func (s *memSessionStore) RevokeByTokenHash(_ context.Context, hash string, reason LogoutReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	sess := s.sessions[id]
	sess.IsActive = false
	sess.LogoutReason = reason
	return nil
}

func (s *memSessionStore) RevokeByUser(_ context.Context, userID string, reason LogoutReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.IsActive {
			sess.IsActive = false
			sess.LogoutReason = reason
		}
	}
	return nil
}

func (s *memSessionStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(s.byHash, sess.RefreshTokenHash)
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Permission store ----------------------------------------------------------

type memPermissionStore MemoryStore

func (s *memPermissionStore) Ensure(_ context.Context, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		if _, ok := s.catalog[p.Name]; !ok {
			s.catalog[p.Name] = p
		}
	}
	return nil
}

func (s *memPermissionStore) List(_ context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.catalog))
	for _, p := range s.catalog {
		out = append(out, p)
	}
	return out, nil
}

func (s *memPermissionStore) ForRole(_ context.Context, role Role) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, granted := range s.roleGrant[role] {
		if granted {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *memPermissionStore) OverridesForUser(_ context.Context, userID string) ([]Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Override, len(s.overrides[userID]))
	copy(out, s.overrides[userID])
	return out, nil
}

func (s *memPermissionStore) Grant(_ context.Context, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.catalog[o.Name]; !ok {
		return fmt.Errorf("%w: unknown permission %s", ErrNotFound, o.Name)
	}
	// Replace any existing override for the same permission.
	existing := s.overrides[o.UserID]
	kept := existing[:0]
	for _, cur := range existing {
		if cur.Name != o.Name {
			kept = append(kept, cur)
		}
	}
	s.overrides[o.UserID] = append(kept, o)
	return nil
}
