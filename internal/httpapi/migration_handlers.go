package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"actuaria.org/internal/auth"
)

type upgradeUserRequest struct {
	CurrentPassword string `json:"current_password"`
}

// handleUpgradeUser moves the caller from legacy to secure authentication.
// Any authenticated identity may call it; the coordinator re-verifies the
// password before changing trust tier.
func (a *API) handleUpgradeUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req upgradeUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.migration.UpgradeUser(r.Context(), id.User.ID, req.CurrentPassword); err != nil {
		switch {
		case errors.Is(err, auth.ErrAlreadyMigrated):
			writeError(w, r, http.StatusConflict, "already migrated")
		case errors.Is(err, auth.ErrBadCredentials):
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusForbidden, "account unavailable")
		default:
			writeError(w, r, http.StatusInternalServerError, "migration failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrated": true})
}

type migrationStartRequest struct {
	UserIDs []string `json:"user_ids,omitempty"`
	DryRun  bool     `json:"dry_run,omitempty"`
}

func (a *API) handleMigrationStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensurePermission(w, r, auth.PermMigrationManage); !ok {
		return
	}
	var req migrationStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	job, err := a.migration.StartBatch(r.Context(), req.UserIDs, req.DryRun)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "batch migration failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, auth.PermMigrationManage); !ok {
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/migration/status/"), "/")
	if jobID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	job, err := a.migration.Status(jobID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
