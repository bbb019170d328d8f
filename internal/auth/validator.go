package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"actuaria.org/internal/obs"
)

const (
	// MaxFailedAttempts failed logins within the window lock the account.
	MaxFailedAttempts = 5
	// LockoutDuration is how long a lockout lasts.
	LockoutDuration = 30 * time.Minute
)

// CredentialValidator checks email/password/second-factor credentials and
// enforces the lockout policy. Within one request the order is fixed:
// lockout check, then password, then MFA; the lockout check can never be
// short-circuited.
type CredentialValidator struct {
	store  Store
	hasher Hasher
	second *SecondFactorService
	now    func() time.Time
}

// ValidatorOption configures CredentialValidator.
type ValidatorOption func(*CredentialValidator)

// WithValidatorClock overrides the time source.
func WithValidatorClock(fn func() time.Time) ValidatorOption {
	return func(v *CredentialValidator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewCredentialValidator constructs the validator.
func NewCredentialValidator(store Store, hasher Hasher, second *SecondFactorService, opts ...ValidatorOption) *CredentialValidator {
	v := &CredentialValidator{
		store:  store,
		hasher: hasher,
		second: second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NormalizeEmail lower-cases and trims a login identifier.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate authenticates a password credential. Unknown accounts, disabled
// accounts and wrong passwords all surface as ErrBadCredentials so callers
// cannot enumerate emails; the wrapped message distinguishes the real cause
// for the audit trail. mfaCode may be empty: when the account has MFA on,
// that yields ErrMFARequired rather than a hard failure.
func (v *CredentialValidator) Validate(ctx context.Context, identifier, secret, mfaCode string) (*User, error) {
	email := NormalizeEmail(identifier)
	if email == "" || secret == "" {
		return nil, fmt.Errorf("%w: empty identifier or secret", ErrBadCredentials)
	}

	users := v.store.Users(ctx)
	user, err := users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: account not found", ErrBadCredentials)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: account deactivated", ErrBadCredentials)
	}

	now := v.now().UTC()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return nil, &AccountLockedError{Until: *user.LockedUntil}
	}

	if err := v.hasher.Verify(user.PasswordHash, secret); err != nil {
		attempts, lockedUntil, ferr := users.RecordLoginFailure(ctx, user.ID, MaxFailedAttempts, now.Add(LockoutDuration))
		if ferr != nil {
			return nil, ferr
		}
		if attempts >= MaxFailedAttempts && lockedUntil != nil {
			obs.ObserveLockout()
			return nil, &AccountLockedError{Until: *lockedUntil}
		}
		return nil, fmt.Errorf("%w: password mismatch", ErrBadCredentials)
	}

	if user.MFAEnabled {
		if strings.TrimSpace(mfaCode) == "" {
			return nil, ErrMFARequired
		}
		if err := v.second.Check(user, mfaCode); err != nil {
			return nil, err
		}
	}

	if err := users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now
	return user, nil
}
