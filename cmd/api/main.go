package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"actuaria.org/internal/audit"
	"actuaria.org/internal/auth"
	"actuaria.org/internal/httpapi"
	"actuaria.org/internal/obs"
	"actuaria.org/internal/reports"
	"actuaria.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()

	secret := os.Getenv("ACTUARIA_AUTH_SECRET")
	if secret == "" {
		log.Fatal("ACTUARIA_AUTH_SECRET is required")
	}

	addr := os.Getenv("ACTUARIA_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	var tokenOpts []auth.TokenOption
	if ttl := envDuration("ACTUARIA_ACCESS_TTL"); ttl > 0 {
		tokenOpts = append(tokenOpts, auth.WithAccessTTL(ttl))
	}
	if ttl := envDuration("ACTUARIA_REFRESH_TTL"); ttl > 0 {
		tokenOpts = append(tokenOpts, auth.WithRefreshTTL(ttl))
	}
	tokens, err := auth.NewTokenService(secret, tokenOpts...)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	cost := envInt("ACTUARIA_BCRYPT_COST")
	hasher := auth.NewHasher(cost)

	// Postgres when a DSN is set; an in-memory store otherwise so the service
	// can run locally without infrastructure.
	var (
		store     auth.Store
		reportSvc reports.Service
		auditSink audit.Sink
		ready     func(ctx context.Context) error
		pgStore   *pg.Store
	)
	if dsn := os.Getenv("ACTUARIA_PG_DSN"); dsn != "" {
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		reportSvc = pgStore.Reports()
		auditSink = pgStore.AuditSink()
		ready = pgStore.Ping
	} else {
		log.Print("ACTUARIA_PG_DSN not set, using in-memory store")
		store = auth.NewMemoryStore()
		reportSvc = reports.NewInMemory()
	}

	auditor := audit.NewLogger(auditSink)

	second := auth.NewSecondFactorService(store, "actuaria")
	perms := auth.NewPermissionResolver(store)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := perms.EnsureCatalog(ctx); err != nil {
			cancel()
			log.Fatalf("permission catalog: %v", err)
		}
		cancel()
	}

	api := httpapi.New(httpapi.Config{
		Validator: auth.NewCredentialValidator(store, hasher, second),
		Tokens:    tokens,
		Store:     store,
		Perms:     perms,
		Resolver:  auth.NewAuthResolver(tokens, store, perms, auditor),
		Second:    second,
		Migration: auth.NewMigrationCoordinator(store, hasher, auditor),
		Audit:     auditor,
		Reports:   reportSvc,
		Hasher:    hasher,
		Ready:     ready,
		Version:   version,
		DevMode:   os.Getenv("ACTUARIA_DEV_MODE") == "true",
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Expired refresh sessions pile up otherwise; sweep hourly.
	gcDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := store.Sessions(ctx).DeleteExpired(ctx, time.Now().Add(-24*time.Hour))
				cancel()
				if err != nil {
					log.Printf("session gc: %v", err)
				} else if n > 0 {
					log.Printf("session gc: removed %d expired sessions", n)
				}
			case <-gcDone:
				return
			}
		}
	}()

	log.Printf("Starting actuaria-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	close(gcDone)
	auditor.Close()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func envDuration(key string) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	return d
}

func envInt(key string) int {
	n, _ := strconv.Atoi(os.Getenv(key))
	return n
}
