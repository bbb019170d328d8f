package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"actuaria.org/internal/auth"
	"actuaria.org/internal/reports"
)

func handleReportsError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reports.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, reports.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "report operation failed")
	}
}

func listLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func (a *API) handleReports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, ok := a.ensurePermission(w, r, auth.PermReportsRead)
		if !ok {
			return
		}
		scope := reports.Scope{Portfolios: scopeFor(id)}
		list, err := a.reports.ListReports(r.Context(), scope, r.URL.Query().Get("portfolio"), listLimit(r))
		if err != nil {
			handleReportsError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": list})

	case http.MethodPost:
		id, ok := a.ensurePermission(w, r, auth.PermReportsWrite)
		if !ok {
			return
		}
		var req reports.Report
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		scope := reports.Scope{Portfolios: scopeFor(id)}
		if !scope.Allows(req.Portfolio) {
			writeError(w, r, http.StatusForbidden, "portfolio outside scope")
			return
		}
		req.CreatedBy = id.User.ID
		created, err := a.reports.CreateReport(r.Context(), req)
		if err != nil {
			handleReportsError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/reports/%s", created.ID))
		writeJSON(w, http.StatusCreated, created)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleReportScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/reports/"), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		a.handleReportByID(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "finalize":
		a.handleReportFinalize(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleReportByID(w http.ResponseWriter, r *http.Request, reportID string) {
	switch r.Method {
	case http.MethodGet:
		id, ok := a.ensurePermission(w, r, auth.PermReportsRead)
		if !ok {
			return
		}
		rep, err := a.reports.GetReport(r.Context(), reports.Scope{Portfolios: scopeFor(id)}, reportID)
		if err != nil {
			handleReportsError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)

	case http.MethodPut:
		id, ok := a.ensurePermission(w, r, auth.PermReportsWrite)
		if !ok {
			return
		}
		var req reports.Report
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.ID = reportID
		rep, err := a.reports.UpdateReport(r.Context(), reports.Scope{Portfolios: scopeFor(id)}, req)
		if err != nil {
			handleReportsError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleReportFinalize(w http.ResponseWriter, r *http.Request, reportID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.ensurePermission(w, r, auth.PermReportsGenerate)
	if !ok {
		return
	}
	rep, err := a.reports.FinalizeReport(r.Context(), reports.Scope{Portfolios: scopeFor(id)}, reportID)
	if err != nil {
		handleReportsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleCalculations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, ok := a.ensurePermission(w, r, auth.PermCalculationsRead)
		if !ok {
			return
		}
		scope := reports.Scope{Portfolios: scopeFor(id)}
		list, err := a.reports.ListCalculations(r.Context(), scope, r.URL.Query().Get("portfolio"), listLimit(r))
		if err != nil {
			handleReportsError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calculations": list})

	case http.MethodPost:
		id, ok := a.ensurePermission(w, r, auth.PermCalculationsWrite)
		if !ok {
			return
		}
		var req reports.Calculation
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		scope := reports.Scope{Portfolios: scopeFor(id)}
		if !scope.Allows(req.Portfolio) {
			writeError(w, r, http.StatusForbidden, "portfolio outside scope")
			return
		}
		req.RequestedBy = id.User.ID
		created, err := a.reports.CreateCalculation(r.Context(), req)
		if err != nil {
			handleReportsError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/calculations/%s", created.ID))
		writeJSON(w, http.StatusCreated, created)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCalculationScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	calcID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/calculations/"), "/")
	if calcID == "" || strings.Contains(calcID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, ok := a.ensurePermission(w, r, auth.PermCalculationsRead)
	if !ok {
		return
	}
	calc, err := a.reports.GetCalculation(r.Context(), reports.Scope{Portfolios: scopeFor(id)}, calcID)
	if err != nil {
		handleReportsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}
