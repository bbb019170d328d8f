package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"actuaria.org/internal/auth"
)

type createUserRequest struct {
	Email             string            `json:"email"`
	Password          string            `json:"password"`
	FirstName         string            `json:"first_name,omitempty"`
	LastName          string            `json:"last_name,omitempty"`
	Department        string            `json:"department,omitempty"`
	Role              string            `json:"role"`
	Restrictions      auth.Restrictions `json:"restrictions,omitempty"`
	LegacyAuthEnabled bool              `json:"legacy_auth_enabled,omitempty"`
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensurePermission(w, r, auth.PermUsersManage); !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if auth.NormalizeEmail(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	hash, err := a.hasher.Hash(req.Password)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user := &auth.User{
		Email:             req.Email,
		PasswordHash:      hash,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		Department:        req.Department,
		Role:              role,
		Restrictions:      req.Restrictions,
		IsActive:          true,
		LegacyAuthEnabled: req.LegacyAuthEnabled,
	}
	if err := a.store.Users(r.Context()).Create(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, "email already registered")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "user creation failed")
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

type grantPermissionRequest struct {
	Name      string     `json:"name"`
	Granted   bool       `json:"granted"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		a.handleUserGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleUserPermissions(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "deactivate":
		a.handleUserDeactivate(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserGet(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, auth.PermUsersManage); !ok {
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUserPermissions grants or revokes a per-user override. Overrides
// beat the role default until they expire.
func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	granter, ok := a.ensurePermission(w, r, auth.PermUsersManage)
	if !ok {
		return
	}
	var req grantPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.store.Permissions(r.Context()).Grant(r.Context(), auth.Override{
		UserID:    userID,
		Name:      req.Name,
		Granted:   req.Granted,
		ExpiresAt: req.ExpiresAt,
		GrantedBy: granter.User.ID,
		Reason:    req.Reason,
	})
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, "unknown permission")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "grant failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "applied"})
}

// handleUserDeactivate disables the account and revokes its sessions. Users
// are never hard-deleted.
func (a *API) handleUserDeactivate(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensurePermission(w, r, auth.PermUsersManage); !ok {
		return
	}
	if err := a.store.Users(r.Context()).Deactivate(r.Context(), userID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "deactivation failed")
		return
	}
	_ = a.store.Sessions(r.Context()).RevokeByUser(r.Context(), userID, auth.LogoutAdmin)
	writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}
