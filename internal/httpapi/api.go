// Package httpapi is the HTTP JSON surface of the service.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"actuaria.org/internal/audit"
	"actuaria.org/internal/auth"
	"actuaria.org/internal/obs"
	"actuaria.org/internal/reports"
)

const (
	maxBodyBytes = 1 << 20

	// Login throttle: a fresh IP gets a burst of 5 attempts, then one more
	// every 3 minutes (5 per 15-minute window at steady state).
	loginBurst  = 5
	loginRefill = 3 * time.Minute
)

// Config carries the dependencies of the HTTP layer.
type Config struct {
	Validator *auth.CredentialValidator
	Tokens    *auth.TokenService
	Store     auth.Store
	Perms     *auth.PermissionResolver
	Resolver  *auth.AuthResolver
	Second    *auth.SecondFactorService
	Migration *auth.MigrationCoordinator
	Audit     *audit.Logger
	Reports   reports.Service
	Hasher    auth.Hasher

	// Ready is probed by /readyz; nil means always ready.
	Ready   func(ctx context.Context) error
	Version string
	DevMode bool

	// LoginBurst/LoginRefill override the login throttle; zero means default.
	LoginBurst  int
	LoginRefill time.Duration
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	validator *auth.CredentialValidator
	tokens    *auth.TokenService
	store     auth.Store
	perms     *auth.PermissionResolver
	resolver  *auth.AuthResolver
	second    *auth.SecondFactorService
	migration *auth.MigrationCoordinator
	audit     *audit.Logger
	reports   reports.Service
	hasher    auth.Hasher
	ready     func(ctx context.Context) error
	version   string
	devMode   bool
}

// New wires the routes.
func New(cfg Config) *API {
	a := &API{
		mux:       http.NewServeMux(),
		validator: cfg.Validator,
		tokens:    cfg.Tokens,
		store:     cfg.Store,
		perms:     cfg.Perms,
		resolver:  cfg.Resolver,
		second:    cfg.Second,
		migration: cfg.Migration,
		audit:     cfg.Audit,
		reports:   cfg.Reports,
		hasher:    cfg.Hasher,
		ready:     cfg.Ready,
		version:   cfg.Version,
		devMode:   cfg.DevMode,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	burst, refill := cfg.LoginBurst, cfg.LoginRefill
	if burst <= 0 {
		burst = loginBurst
	}
	if refill <= 0 {
		refill = loginRefill
	}

	// authentication
	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), burst, refill))
	a.mux.HandleFunc("/v1/auth/verify", a.handleVerify)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/2fa/enable", a.handle2FAEnable)
	a.mux.HandleFunc("/v1/auth/2fa/verify", a.handle2FAVerify)
	a.mux.HandleFunc("/v1/auth/2fa/disable", a.handle2FADisable)

	// migration workflow
	a.mux.HandleFunc("/v1/migration/upgrade-user", a.handleUpgradeUser)
	a.mux.HandleFunc("/v1/migration/start", a.handleMigrationStart)
	a.mux.HandleFunc("/v1/migration/status/", a.handleMigrationStatus)

	// user administration
	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)

	// protected resources
	a.mux.HandleFunc("/v1/reports", a.handleReports)
	a.mux.HandleFunc("/v1/reports/", a.handleReportScoped)
	a.mux.HandleFunc("/v1/calculations", a.handleCalculations)
	a.mux.HandleFunc("/v1/calculations/", a.handleCalculationScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "actuaria-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "actuaria-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
