package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed role enumeration. Every user carries exactly one role;
// the role maps to a permission set through the role_permissions matrix.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleActuary Role = "actuary"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

// Roles lists every valid role.
var Roles = []Role{RoleAdmin, RoleActuary, RoleAnalyst, RoleViewer}

// ParseRole validates and normalizes a role string.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// AuthMode distinguishes the two co-existing credential schemes.
type AuthMode string

const (
	ModeSecure AuthMode = "secure"
	ModeLegacy AuthMode = "legacy"
)

// Restrictions scopes what a user may see, independent of permissions.
// Portfolios limits report visibility; an empty list means unrestricted.
type Restrictions struct {
	Portfolios []string `json:"portfolios,omitempty"`
	Regions    []string `json:"regions,omitempty"`
}

// User is an account in the reporting system. Users are never hard-deleted;
// deactivation flips IsActive.
type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"-"`
	FirstName    string       `json:"first_name,omitempty"`
	LastName     string       `json:"last_name,omitempty"`
	Department   string       `json:"department,omitempty"`
	Role         Role         `json:"role"`
	Restrictions Restrictions `json:"restrictions"`

	IsActive            bool       `json:"is_active"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	MustChangePassword  bool       `json:"must_change_password"`

	MFAEnabled    bool   `json:"mfa_enabled"`
	MFASecret     string `json:"-"`
	TempMFASecret string `json:"-"`

	MigratedToSecure  bool       `json:"migrated_to_secure"`
	MigrationDate     *time.Time `json:"migration_date,omitempty"`
	LegacyAuthEnabled bool       `json:"legacy_auth_enabled"`

	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LogoutReason records why a session stopped being usable.
type LogoutReason string

const (
	LogoutUser       LogoutReason = "user_logout"
	LogoutAdmin      LogoutReason = "admin_revoke"
	LogoutBreach     LogoutReason = "security_breach"
	LogoutExpired    LogoutReason = "expired"
	LogoutSuperseded LogoutReason = "superseded"
)

// Session is one legacy or refresh-token lineage. Only a one-way hash of the
// presented token is stored; a database leak yields no usable credentials.
type Session struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	Email            string       `json:"email"`
	RefreshTokenHash string       `json:"-"`
	IPAddress        string       `json:"ip_address,omitempty"`
	UserAgent        string       `json:"user_agent,omitempty"`
	ExpiresAt        time.Time    `json:"expires_at"`
	LastUsedAt       time.Time    `json:"last_used_at"`
	IsActive         bool         `json:"is_active"`
	LogoutReason     LogoutReason `json:"logout_reason,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Permission is a stable name with its (resource, action) pair,
// e.g. "calculations:write" -> (calculations, write).
type Permission struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Override is a per-user grant or revoke that beats the role default until
// it expires. An expired override is ignored entirely.
type Override struct {
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Granted   bool       `json:"granted"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	GrantedBy string     `json:"granted_by,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Expired reports whether the override no longer applies at the given time.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Identity is the outcome of a successful authentication: the user, the
// scheme that authenticated them, and their effective permission set as
// resolved for that scheme.
type Identity struct {
	User               *User
	Mode               AuthMode
	Permissions        map[string]struct{}
	MigrationAvailable bool
}

// HasPermission reports whether the identity may perform the named action.
// Admin role bypasses the permission set unconditionally.
func (id Identity) HasPermission(name string) bool {
	if id.User != nil && id.User.Role == RoleAdmin {
		return true
	}
	_, ok := id.Permissions[name]
	return ok
}

// PermissionNames returns the resolved set in sorted order.
func (id Identity) PermissionNames() []string {
	return sortedSet(id.Permissions)
}

// MigrationOutcome is the per-user result of a batch run.
type MigrationOutcome struct {
	UserID   string `json:"user_id"`
	Migrated bool   `json:"migrated"`
	Error    string `json:"error,omitempty"`
}

// MigrationJob describes one batch migration invocation. Jobs execute
// synchronously and are retained in memory only long enough for status
// polling.
type MigrationJob struct {
	ID             string             `json:"id"`
	DryRun         bool               `json:"dry_run"`
	Status         string             `json:"status"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    time.Time          `json:"completed_at"`
	UsersToMigrate int                `json:"users_to_migrate"`
	UsersMigrated  int                `json:"users_migrated"`
	Outcomes       []MigrationOutcome `json:"outcomes,omitempty"`
}
