package httpapi

import (
	"errors"
	"net/http"
	"time"

	"actuaria.org/internal/audit"
	"actuaria.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	ExpiresAt    time.Time  `json:"expires_at"`
	User         *auth.User `json:"user,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.validator.Validate(r.Context(), req.Email, req.Password, req.MFACode)
	if err != nil {
		a.handleLoginError(w, r, req.Email, err)
		return
	}

	resp, err := a.issueTokens(w, r, user)
	if err != nil {
		return
	}
	a.audit.Record(r.Context(), audit.Event{
		Type:    audit.EventLoginSuccess,
		Outcome: audit.OutcomeSuccess,
		UserID:  user.ID,
		IP:      clientIP(r),
		Detail:  map[string]any{"mode": string(auth.ModeSecure)},
	})
	writeJSON(w, http.StatusOK, resp)
}

// handleLoginError maps the validator taxonomy onto status codes. The client
// always sees a generic message for credential failures; the audit record
// keeps the real reason.
func (a *API) handleLoginError(w http.ResponseWriter, r *http.Request, email string, err error) {
	record := func(reason string) {
		a.audit.Record(r.Context(), audit.Event{
			Type:    audit.EventLoginFailure,
			Outcome: audit.OutcomeFailure,
			IP:      clientIP(r),
			Detail:  map[string]any{"email": auth.NormalizeEmail(email), "reason": reason},
		})
	}

	var locked *auth.AccountLockedError
	switch {
	case errors.Is(err, auth.ErrMFARequired):
		// Not a failure: the password checked out, the client re-prompts.
		writeJSON(w, http.StatusOK, map[string]any{"mfa_required": true})
	case errors.Is(err, auth.ErrBadMFACode):
		record("invalid second factor code")
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.As(err, &locked):
		record("account locked")
		writeErrorExtra(w, r, http.StatusLocked, "account locked", map[string]any{
			"locked_until": locked.Until.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, auth.ErrBadCredentials):
		record(err.Error())
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	default:
		writeError(w, r, http.StatusInternalServerError, "login failed")
	}
}

// issueTokens mints the access/refresh pair and persists the refresh lineage.
// On failure it writes the error response itself.
func (a *API) issueTokens(w http.ResponseWriter, r *http.Request, user *auth.User) (*tokenResponse, error) {
	set, err := a.perms.Resolve(r.Context(), user, auth.ModeSecure)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "permission resolution failed")
		return nil, err
	}
	names := auth.Identity{User: user, Permissions: set}.PermissionNames()

	access, accessExp, err := a.tokens.IssueAccess(user, names)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return nil, err
	}
	refresh, refreshExp, err := a.tokens.IssueRefresh(user)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return nil, err
	}

	sess := &auth.Session{
		UserID:           user.ID,
		Email:            user.Email,
		RefreshTokenHash: auth.HashToken(refresh),
		IPAddress:        clientIP(r),
		UserAgent:        r.UserAgent(),
		ExpiresAt:        refreshExp,
		IsActive:         true,
	}
	if err := a.store.Sessions(r.Context()).Create(r.Context(), sess); err != nil {
		writeError(w, r, http.StatusInternalServerError, "session creation failed")
		return nil, err
	}

	return &tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    accessExp,
		User:         user,
	}, nil
}

// handleVerify reports who the presented credential belongs to.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":                id.User,
		"mode":                string(id.Mode),
		"permissions":         id.PermissionNames(),
		"migration_available": id.MigrationAvailable,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusUnauthorized, "refresh token is required")
		return
	}

	claims, err := a.tokens.Verify(req.RefreshToken, auth.KindRefresh)
	if err != nil {
		// Expired and invalid both force re-login: refresh tokens are never
		// silently retried.
		if errors.Is(err, auth.ErrTokenExpired) {
			writeError(w, r, http.StatusForbidden, "refresh token expired")
			return
		}
		writeError(w, r, http.StatusForbidden, "refresh token invalid")
		return
	}

	sessions := a.store.Sessions(r.Context())
	sess, err := sessions.FindByTokenHash(r.Context(), auth.HashToken(req.RefreshToken))
	if err != nil || !sess.IsActive || time.Now().After(sess.ExpiresAt) {
		// A replayed token whose lineage was already rotated is revoked, not
		// merely rejected: it may mean the token leaked.
		writeError(w, r, http.StatusForbidden, "refresh token revoked")
		return
	}

	user, err := a.store.Users(r.Context()).Find(r.Context(), claims.Subject)
	if err != nil || !user.IsActive {
		writeError(w, r, http.StatusForbidden, "account unavailable")
		return
	}

	set, err := a.perms.Resolve(r.Context(), user, auth.ModeSecure)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "permission resolution failed")
		return
	}
	names := auth.Identity{User: user, Permissions: set}.PermissionNames()

	access, accessExp, err := a.tokens.IssueAccess(user, names)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}
	refresh, refreshExp, err := a.tokens.IssueRefresh(user)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	replacement := &auth.Session{
		UserID:           user.ID,
		Email:            user.Email,
		RefreshTokenHash: auth.HashToken(refresh),
		IPAddress:        clientIP(r),
		UserAgent:        r.UserAgent(),
		ExpiresAt:        refreshExp,
		IsActive:         true,
	}
	if err := sessions.Rotate(r.Context(), sess.ID, replacement); err != nil {
		writeError(w, r, http.StatusForbidden, "refresh token revoked")
		return
	}

	a.audit.Record(r.Context(), audit.Event{
		Type:    audit.EventTokenRefresh,
		Outcome: audit.OutcomeSuccess,
		UserID:  user.ID,
		IP:      clientIP(r),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    accessExp,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// handleLogout revokes the presented session material. It is best-effort and
// always succeeds: an already-revoked or unknown token changes nothing.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	_ = decodeJSON(w, r, &req)

	sessions := a.store.Sessions(r.Context())
	var userID string
	if req.RefreshToken != "" {
		if sess, err := sessions.FindByTokenHash(r.Context(), auth.HashToken(req.RefreshToken)); err == nil {
			userID = sess.UserID
		}
		_ = sessions.RevokeByTokenHash(r.Context(), auth.HashToken(req.RefreshToken), auth.LogoutUser)
	}
	creds := extractCredentials(r)
	if creds.LegacySession != "" {
		if sess, err := sessions.FindByTokenHash(r.Context(), auth.HashToken(creds.LegacySession)); err == nil {
			userID = sess.UserID
		}
		_ = sessions.RevokeByTokenHash(r.Context(), auth.HashToken(creds.LegacySession), auth.LogoutUser)
	}

	a.audit.Record(r.Context(), audit.Event{
		Type:    audit.EventLogout,
		Outcome: audit.OutcomeSuccess,
		UserID:  userID,
		IP:      clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handle2FAEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	secret, uri, err := a.second.Enroll(r.Context(), id.User)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "enrollment failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":      secret,
		"otpauth_uri": uri,
	})
}

type mfaVerifyRequest struct {
	Code string `json:"code"`
}

func (a *API) handle2FAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.second.Activate(r.Context(), id.User, req.Code); err != nil {
		switch {
		case errors.Is(err, auth.ErrBadMFACode):
			writeError(w, r, http.StatusBadRequest, "invalid code")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusBadRequest, "no pending enrollment")
		default:
			writeError(w, r, http.StatusInternalServerError, "activation failed")
		}
		return
	}
	a.audit.Record(r.Context(), audit.Event{
		Type:    audit.EventMFAEnabled,
		Outcome: audit.OutcomeSuccess,
		UserID:  id.User.ID,
		IP:      clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"mfa_enabled": true})
}

func (a *API) handle2FADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	if err := a.second.Disable(r.Context(), id.User.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "disable failed")
		return
	}
	a.audit.Record(r.Context(), audit.Event{
		Type:    audit.EventMFADisabled,
		Outcome: audit.OutcomeSuccess,
		UserID:  id.User.ID,
		IP:      clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"mfa_enabled": false})
}
