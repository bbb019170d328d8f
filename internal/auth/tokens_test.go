package auth

import (
	"errors"
	"testing"
	"time"
)

func testUser() *User {
	return &User{
		ID:       "01TESTUSER0000000000000000",
		Email:    "jane@actuaria.org",
		Role:     RoleActuary,
		IsActive: true,
	}
}

func TestTokenServiceIssueAndVerify(t *testing.T) {
	svc, err := NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	user := testUser()
	user.Restrictions = Restrictions{Portfolios: []string{"P-100"}}

	token, exp, err := svc.IssueAccess(user, []string{PermReportsRead, PermCalculationsRead})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry not in the future: %v", exp)
	}

	claims, err := svc.Verify(token, KindAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != user.ID {
		t.Fatalf("subject = %q, want %q", claims.Subject, user.ID)
	}
	if claims.Role != string(RoleActuary) {
		t.Fatalf("role = %q, want actuary", claims.Role)
	}
	if len(claims.Permissions) != 2 {
		t.Fatalf("permissions = %v, want 2 entries", claims.Permissions)
	}
	if claims.Restrictions == nil || len(claims.Restrictions.Portfolios) != 1 {
		t.Fatalf("restrictions not carried: %+v", claims.Restrictions)
	}
}

func TestTokenServiceKindMismatch(t *testing.T) {
	svc, err := NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	refresh, _, err := svc.IssueRefresh(testUser())
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := svc.Verify(refresh, KindAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh verified as access: err = %v, want ErrTokenInvalid", err)
	}
	access, _, err := svc.IssueAccess(testUser(), nil)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := svc.Verify(access, KindRefresh); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access verified as refresh: err = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenServiceExpiredIsNotInvalid(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, err := NewTokenService("test-secret", WithTokenClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	token, _, err := svc.IssueAccess(testUser(), []string{PermReportsRead})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	// One second before expiry the token is still good.
	now = now.Add(defaultAccessTTL - time.Second)
	if _, err := svc.Verify(token, KindAccess); err != nil {
		t.Fatalf("Verify before expiry: %v", err)
	}

	// One second past expiry it is expired, not invalid: the two trigger
	// different client behavior (refresh vs re-login).
	now = now.Add(2 * time.Second)
	_, err = svc.Verify(token, KindAccess)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expired token must not be reported invalid")
	}
}

func TestTokenServiceWrongSecret(t *testing.T) {
	a, err := NewTokenService("secret-a")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	b, err := NewTokenService("secret-b")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	token, _, err := a.IssueAccess(testUser(), nil)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := b.Verify(token, KindAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("cross-secret verify: err = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenServiceGarbageInput(t *testing.T) {
	svc, err := NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	for _, tok := range []string{"", "   ", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := svc.Verify(tok, KindAccess); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("Verify(%q): err = %v, want ErrTokenInvalid", tok, err)
		}
	}
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestHashTokenIsStable(t *testing.T) {
	h1 := HashToken("refresh-token")
	h2 := HashToken("refresh-token")
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if h1 == HashToken("other-token") {
		t.Fatal("distinct tokens hashed identically")
	}
	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(h1))
	}
}
