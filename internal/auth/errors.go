package auth

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrBadCredentials covers both unknown accounts and wrong passwords.
	// Callers must surface it with a generic message; the wrapped text
	// carries the real reason for the audit trail only.
	ErrBadCredentials = errors.New("auth: invalid credentials")

	// ErrMFARequired is not a hard failure: the password checked out but a
	// second-factor code is needed. Callers re-prompt.
	ErrMFARequired = errors.New("auth: second factor required")
	ErrBadMFACode  = errors.New("auth: invalid second factor code")

	// ErrTokenExpired and ErrTokenInvalid are distinct on purpose: an
	// expired access token triggers a silent refresh, an invalid one forces
	// re-login.
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")

	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrLegacyDisabled  = errors.New("auth: legacy authentication disabled")
	ErrAlreadyMigrated = errors.New("auth: user already migrated")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)

// AccountLockedError is returned without checking the password while the
// lockout window is open.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// PermissionDeniedError carries enough context for the audit trail. Granted
// is only echoed to clients when the service runs in development mode.
type PermissionDeniedError struct {
	Required string
	Role     Role
	Granted  []string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("auth: permission %s denied for role %s", e.Required, e.Role)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
