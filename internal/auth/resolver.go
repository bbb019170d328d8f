package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actuaria.org/internal/audit"
	"actuaria.org/internal/obs"
)

// Credentials is the material extracted from an inbound request. Either
// field may be empty; a strategy skips itself when its material is absent.
type Credentials struct {
	Bearer        string
	LegacySession string
	IP            string
	UserAgent     string
	Method        string
	Path          string
}

// Strategy resolves one credential scheme. Returning errNoCredential defers
// to the next strategy; wrapping with terminal stops the chain.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, creds Credentials) (Identity, error)
}

// errNoCredential means the strategy's material was absent from the request.
var errNoCredential = errors.New("auth: no credential material")

// terminalError stops the strategy chain: the failure is authoritative and
// falling back to a weaker scheme would be wrong.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

func terminal(err error) error { return &terminalError{err: err} }

func isTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// AuthResolver tries strategies in a fixed order, short-circuiting on the
// first success: secure bearer tokens first, then the legacy session store.
// Every terminal branch, success or failure, records exactly one audit
// event before returning.
type AuthResolver struct {
	strategies []Strategy
	audit      *audit.Logger
}

// NewAuthResolver wires the standard strategy order.
func NewAuthResolver(tokens *TokenService, store Store, perms *PermissionResolver, auditor *audit.Logger) *AuthResolver {
	return &AuthResolver{
		strategies: []Strategy{
			&bearerStrategy{tokens: tokens, store: store},
			&legacySessionStrategy{store: store, perms: perms},
		},
		audit: auditor,
	}
}

// Resolve authenticates the request material. On success the identity and
// its mode-resolved permissions are returned; on failure the error keeps
// the token taxonomy intact (expired vs invalid) so callers can choose
// between silent refresh and forced re-login.
func (r *AuthResolver) Resolve(ctx context.Context, creds Credentials) (Identity, error) {
	var lastErr error
	for _, s := range r.strategies {
		identity, err := s.Resolve(ctx, creds)
		if err == nil {
			obs.ObserveAuthAttempt(string(identity.Mode), "success")
			r.record(ctx, audit.EventAccessGranted, audit.OutcomeSuccess, identity.User.ID, creds, map[string]any{
				"mode":     string(identity.Mode),
				"strategy": s.Name(),
			})
			return identity, nil
		}
		if errors.Is(err, errNoCredential) {
			continue
		}
		if isTerminal(err) {
			inner := errors.Unwrap(err)
			obs.ObserveAuthAttempt(s.Name(), "failure")
			r.record(ctx, audit.EventAccessDenied, audit.OutcomeFailure, "", creds, map[string]any{
				"strategy": s.Name(),
				"reason":   inner.Error(),
				"terminal": true,
			})
			return Identity{}, inner
		}
		lastErr = err
	}

	obs.ObserveAuthAttempt("none", "failure")
	detail := map[string]any{"reason": "no strategy succeeded"}
	if lastErr != nil {
		detail["reason"] = lastErr.Error()
	}
	r.record(ctx, audit.EventAccessDenied, audit.OutcomeFailure, "", creds, detail)

	if lastErr != nil {
		return Identity{}, lastErr
	}
	return Identity{}, ErrUnauthenticated
}

func (r *AuthResolver) record(ctx context.Context, typ audit.EventType, outcome audit.Outcome, userID string, creds Credentials, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	if creds.Method != "" {
		detail["method"] = creds.Method
	}
	if creds.Path != "" {
		detail["path"] = creds.Path
	}
	r.audit.Record(ctx, audit.Event{
		Type:    typ,
		Outcome: outcome,
		UserID:  userID,
		IP:      creds.IP,
		Detail:  detail,
	})
}

// bearerStrategy validates secure access tokens. The permission set comes
// from the token claims: it was resolved at issuance and is deliberately
// not re-resolved per request.
type bearerStrategy struct {
	tokens *TokenService
	store  Store
}

func (s *bearerStrategy) Name() string { return "bearer" }

func (s *bearerStrategy) Resolve(ctx context.Context, creds Credentials) (Identity, error) {
	if creds.Bearer == "" {
		return Identity{}, errNoCredential
	}
	claims, err := s.tokens.Verify(creds.Bearer, KindAccess)
	if err != nil {
		return Identity{}, err
	}

	// A well-formed token for a revoked or deleted user is authoritative:
	// do not fall through to the legacy path.
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, terminal(fmt.Errorf("%w: subject no longer exists", ErrTokenInvalid))
		}
		return Identity{}, terminal(err)
	}
	if !user.IsActive {
		return Identity{}, terminal(fmt.Errorf("%w: subject deactivated", ErrTokenInvalid))
	}

	set := make(map[string]struct{}, len(claims.Permissions))
	for _, name := range claims.Permissions {
		set[name] = struct{}{}
	}
	return Identity{User: user, Mode: ModeSecure, Permissions: set}, nil
}

// legacySessionStrategy validates the pre-token opaque session credential.
// Legacy identities resolve through the reduced static fallback matrix and
// carry a migration-available hint until they upgrade.
type legacySessionStrategy struct {
	store Store
	perms *PermissionResolver
}

func (s *legacySessionStrategy) Name() string { return "legacy" }

func (s *legacySessionStrategy) Resolve(ctx context.Context, creds Credentials) (Identity, error) {
	if creds.LegacySession == "" {
		return Identity{}, errNoCredential
	}
	sessions := s.store.Sessions(ctx)
	sess, err := sessions.FindByTokenHash(ctx, HashToken(creds.LegacySession))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: unknown session", ErrUnauthenticated)
		}
		return Identity{}, err
	}
	now := time.Now().UTC()
	if !sess.IsActive || now.After(sess.ExpiresAt) {
		return Identity{}, fmt.Errorf("%w: session expired or revoked", ErrUnauthenticated)
	}

	user, err := s.store.Users(ctx).Find(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: session user missing", ErrUnauthenticated)
		}
		return Identity{}, err
	}
	if !user.IsActive {
		return Identity{}, fmt.Errorf("%w: account deactivated", ErrUnauthenticated)
	}
	if !user.LegacyAuthEnabled {
		return Identity{}, ErrLegacyDisabled
	}

	set, err := s.perms.Resolve(ctx, user, ModeLegacy)
	if err != nil {
		return Identity{}, err
	}
	// Best effort: a failed last-used stamp must not fail authentication.
	_ = sessions.Touch(ctx, sess.ID, now)

	return Identity{
		User:               user,
		Mode:               ModeLegacy,
		Permissions:        set,
		MigrationAvailable: !user.MigratedToSecure,
	}, nil
}
