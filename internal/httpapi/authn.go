package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"actuaria.org/internal/audit"
	"actuaria.org/internal/auth"
)

const (
	authHeader          = "Authorization"
	bearerScheme        = "Bearer "
	legacySessionHeader = "X-Legacy-Session"
	legacySessionCookie = "legacy_session"
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// extractCredentials pulls whatever auth material the request carries.
func extractCredentials(r *http.Request) auth.Credentials {
	creds := auth.Credentials{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerScheme)) {
		creds.Bearer = strings.TrimSpace(header[len(bearerScheme):])
	}
	creds.LegacySession = strings.TrimSpace(r.Header.Get(legacySessionHeader))
	if creds.LegacySession == "" {
		if c, err := r.Cookie(legacySessionCookie); err == nil {
			creds.LegacySession = c.Value
		}
	}
	return creds
}

// withAuth authenticates every non-public request and stores the identity in
// the request context. Expired access tokens map to 401 so clients refresh;
// invalid tokens and revoked subjects map to 403 and force re-login.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		creds := extractCredentials(r)
		if creds.Bearer == "" && creds.LegacySession == "" {
			// The resolver never sees this request, so the access decision is
			// recorded here.
			a.audit.Record(r.Context(), audit.Event{
				Type:    audit.EventAccessDenied,
				Outcome: audit.OutcomeFailure,
				IP:      creds.IP,
				Detail: map[string]any{
					"reason": "no credential material",
					"method": creds.Method,
					"path":   creds.Path,
				},
			})
			writeErrorExtra(w, r, http.StatusUnauthorized, "authentication required", map[string]any{
				"auth_modes": []string{"Bearer", "LegacySession"},
			})
			return
		}

		identity, err := a.resolver.Resolve(r.Context(), creds)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				writeError(w, r, http.StatusUnauthorized, "token expired")
			case errors.Is(err, auth.ErrTokenInvalid):
				writeError(w, r, http.StatusForbidden, "token invalid")
			case errors.Is(err, auth.ErrLegacyDisabled):
				writeError(w, r, http.StatusForbidden, "legacy authentication disabled")
			case errors.Is(err, auth.ErrUnauthenticated):
				writeError(w, r, http.StatusUnauthorized, "authentication failed")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identity fetches the authenticated identity; a miss means the middleware
// was bypassed and is answered with 401.
func (a *API) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Identity{}, false
	}
	return id, true
}

// ensurePermission guards a handler. Denials are audited; the granted set is
// echoed only in dev mode.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) (auth.Identity, bool) {
	id, ok := a.identity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if err := auth.Require(id, perm); err != nil {
		var denied *auth.PermissionDeniedError
		if errors.As(err, &denied) {
			a.audit.Record(r.Context(), audit.Event{
				Type:    audit.EventPermissionDenied,
				Outcome: audit.OutcomeFailure,
				UserID:  id.User.ID,
				IP:      clientIP(r),
				Detail: map[string]any{
					"required": denied.Required,
					"role":     string(denied.Role),
					"path":     r.URL.Path,
				},
			})
			extra := map[string]any{"required": denied.Required}
			if a.devMode {
				extra["granted"] = denied.Granted
			}
			writeErrorExtra(w, r, http.StatusForbidden, "permission denied", extra)
			return auth.Identity{}, false
		}
		writeError(w, r, http.StatusForbidden, "permission denied")
		return auth.Identity{}, false
	}
	return id, true
}

// scopeFor derives the portfolio visibility scope from the identity.
func scopeFor(id auth.Identity) []string {
	if id.User == nil {
		return nil
	}
	return id.User.Restrictions.Portfolios
}
