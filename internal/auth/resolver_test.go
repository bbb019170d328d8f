package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"actuaria.org/internal/audit"
)

// collectorSink gathers audit events for assertions; read after Close.
type collectorSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *collectorSink) Append(_ context.Context, ev *audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, *ev)
	return nil
}

func (c *collectorSink) all() []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Event, len(c.events))
	copy(out, c.events)
	return out
}

type resolverFixture struct {
	store    *MemoryStore
	tokens   *TokenService
	resolver *AuthResolver
	sink     *collectorSink
	logger   *audit.Logger
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	store := NewMemoryStore()
	tokens, err := NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	sink := &collectorSink{}
	logger := audit.NewLogger(sink)
	perms := NewPermissionResolver(store)
	return &resolverFixture{
		store:    store,
		tokens:   tokens,
		resolver: NewAuthResolver(tokens, store, perms, logger),
		sink:     sink,
		logger:   logger,
	}
}

// drain closes the audit logger and returns everything it recorded.
func (f *resolverFixture) drain() []audit.Event {
	f.logger.Close()
	return f.sink.all()
}

func seedLegacySession(t *testing.T, store *MemoryStore, u *User, token string, expiresAt time.Time) *Session {
	t.Helper()
	sess := &Session{
		UserID:           u.ID,
		Email:            u.Email,
		RefreshTokenHash: HashToken(token),
		ExpiresAt:        expiresAt,
		IsActive:         true,
	}
	if err := store.Sessions(context.Background()).Create(context.Background(), sess); err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return sess
}

func TestResolveBearerSuccess(t *testing.T) {
	f := newResolverFixture(t)
	u := seedUser(t, f.store, "bearer@actuaria.org", "hunter22")

	token, _, err := f.tokens.IssueAccess(u, []string{PermReportsRead})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	id, err := f.resolver.Resolve(context.Background(), Credentials{Bearer: token, IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.Mode != ModeSecure {
		t.Fatalf("mode = %s, want secure", id.Mode)
	}
	if !id.HasPermission(PermReportsRead) {
		t.Fatal("token permission not carried into identity")
	}
	if id.HasPermission(PermReportsWrite) {
		t.Fatal("identity has permission the token never carried")
	}

	events := f.drain()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want exactly 1", len(events))
	}
	if events[0].Type != audit.EventAccessGranted || events[0].UserID != u.ID || events[0].IP != "10.0.0.1" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestResolveExpiredBearerKeepsTaxonomy(t *testing.T) {
	f := newResolverFixture(t)
	u := seedUser(t, f.store, "stale@actuaria.org", "hunter22")

	past := time.Now().Add(-time.Hour)
	staleTokens, err := NewTokenService("test-secret", WithTokenClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	token, _, err := staleTokens.IssueAccess(u, nil)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	_, err = f.resolver.Resolve(context.Background(), Credentials{Bearer: token})
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}

	events := f.drain()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want exactly 1", len(events))
	}
	if events[0].Type != audit.EventAccessDenied {
		t.Fatalf("event type = %s, want access.denied", events[0].Type)
	}
}

func TestResolveRevokedSubjectDoesNotFallThrough(t *testing.T) {
	f := newResolverFixture(t)
	u := seedUser(t, f.store, "revoked@actuaria.org", "hunter22")

	token, _, err := f.tokens.IssueAccess(u, []string{PermReportsRead})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	// A legacy session also exists; a deactivated subject must not be able
	// to downgrade to it within the same request.
	seedLegacySession(t, f.store, u, "legacy-token", time.Now().Add(time.Hour))
	if err := f.store.Users(context.Background()).Deactivate(context.Background(), u.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	_, err = f.resolver.Resolve(context.Background(), Credentials{
		Bearer:        token,
		LegacySession: "legacy-token",
	})
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}

	events := f.drain()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want exactly 1", len(events))
	}
}

func TestResolveLegacySession(t *testing.T) {
	f := newResolverFixture(t)
	u := seedUser(t, f.store, "legacy@actuaria.org", "hunter22")
	sess := seedLegacySession(t, f.store, u, "legacy-token", time.Now().Add(time.Hour))

	id, err := f.resolver.Resolve(context.Background(), Credentials{LegacySession: "legacy-token"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.Mode != ModeLegacy {
		t.Fatalf("mode = %s, want legacy", id.Mode)
	}
	if !id.MigrationAvailable {
		t.Fatal("unmigrated legacy identity should advertise migration")
	}
	// The reduced fallback matrix applies: actuaries lose write access.
	if !id.HasPermission(PermCalculationsRead) {
		t.Fatal("legacy actuary missing calculations:read")
	}
	if id.HasPermission(PermCalculationsWrite) {
		t.Fatal("legacy actuary granted calculations:write")
	}

	stored, err := f.store.Sessions(context.Background()).FindByTokenHash(context.Background(), sess.RefreshTokenHash)
	if err != nil {
		t.Fatalf("FindByTokenHash: %v", err)
	}
	if stored.LastUsedAt.IsZero() {
		t.Fatal("session not touched")
	}
	f.logger.Close()
}

func TestResolveLegacyDisabled(t *testing.T) {
	f := newResolverFixture(t)
	u := seedUser(t, f.store, "hardcut@actuaria.org", "hunter22")
	seedLegacySession(t, f.store, u, "legacy-token", time.Now().Add(time.Hour))

	// Hard cutover: migrated with legacy access switched off.
	if _, err := f.store.Users(context.Background()).MarkMigrated(context.Background(), u.ID, time.Now(), true); err != nil {
		t.Fatalf("MarkMigrated: %v", err)
	}

	_, err := f.resolver.Resolve(context.Background(), Credentials{LegacySession: "legacy-token"})
	if !errors.Is(err, ErrLegacyDisabled) {
		t.Fatalf("err = %v, want ErrLegacyDisabled", err)
	}
	f.logger.Close()
}

func TestResolveExpiredLegacySession(t *testing.T) {
	f := newResolverFixture(t)
	u := seedUser(t, f.store, "old@actuaria.org", "hunter22")
	seedLegacySession(t, f.store, u, "legacy-token", time.Now().Add(-time.Minute))

	_, err := f.resolver.Resolve(context.Background(), Credentials{LegacySession: "legacy-token"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	f.logger.Close()
}

func TestResolveNoCredentials(t *testing.T) {
	f := newResolverFixture(t)

	_, err := f.resolver.Resolve(context.Background(), Credentials{})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}

	events := f.drain()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want exactly 1", len(events))
	}
	if events[0].Type != audit.EventAccessDenied {
		t.Fatalf("event type = %s, want access.denied", events[0].Type)
	}
}
