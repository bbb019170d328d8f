package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveRoleDefaults(t *testing.T) {
	store := NewMemoryStore()
	r := NewPermissionResolver(store)

	cases := []struct {
		role Role
		want []string
		deny []string
	}{
		{RoleActuary, []string{PermCalculationsWrite, PermReportsGenerate}, []string{PermUsersManage}},
		{RoleAnalyst, []string{PermCalculationsRead, PermReportsGenerate}, []string{PermCalculationsWrite}},
		{RoleViewer, []string{PermReportsRead}, []string{PermReportsGenerate, PermCalculationsRead}},
	}
	for _, tc := range cases {
		set, err := r.Resolve(context.Background(), &User{ID: "u", Role: tc.role}, ModeSecure)
		if err != nil {
			t.Fatalf("%s: Resolve: %v", tc.role, err)
		}
		for _, name := range tc.want {
			if _, ok := set[name]; !ok {
				t.Fatalf("%s: missing %s", tc.role, name)
			}
		}
		for _, name := range tc.deny {
			if _, ok := set[name]; ok {
				t.Fatalf("%s: unexpected %s", tc.role, name)
			}
		}
	}
}

func TestResolveAdminGetsFullCatalog(t *testing.T) {
	store := NewMemoryStore()
	r := NewPermissionResolver(store)
	set, err := r.Resolve(context.Background(), &User{ID: "a", Role: RoleAdmin}, ModeSecure)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(set) != len(Catalog) {
		t.Fatalf("admin set has %d entries, want %d", len(set), len(Catalog))
	}
}

func TestResolveOverrideBeatsRoleDefault(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	r := NewPermissionResolver(store)
	if err := r.EnsureCatalog(ctx); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	user := &User{ID: "u1", Role: RoleViewer}

	// Grant above the role default.
	if err := store.Permissions(ctx).Grant(ctx, Override{
		UserID: user.ID, Name: PermReportsGenerate, Granted: true,
	}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	// Revoke below the role default.
	if err := store.Permissions(ctx).Grant(ctx, Override{
		UserID: user.ID, Name: PermReportsRead, Granted: false,
	}); err != nil {
		t.Fatalf("Grant revoke: %v", err)
	}

	set, err := r.Resolve(ctx, user, ModeSecure)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := set[PermReportsGenerate]; !ok {
		t.Fatal("granting override ignored")
	}
	if _, ok := set[PermReportsRead]; ok {
		t.Fatal("revoking override ignored")
	}
}

func TestResolveExpiredOverrideReappliesRoleDefault(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewPermissionResolver(store, WithResolverClock(func() time.Time { return now }))
	if err := r.EnsureCatalog(ctx); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	user := &User{ID: "u2", Role: RoleViewer}

	expiry := now.Add(time.Hour)
	if err := store.Permissions(ctx).Grant(ctx, Override{
		UserID: user.ID, Name: PermReportsRead, Granted: false, ExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	set, err := r.Resolve(ctx, user, ModeSecure)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := set[PermReportsRead]; ok {
		t.Fatal("unexpired revoke ignored")
	}

	// Past expiry the override disappears and the role default re-applies.
	now = now.Add(2 * time.Hour)
	set, err = r.Resolve(ctx, user, ModeSecure)
	if err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if _, ok := set[PermReportsRead]; !ok {
		t.Fatal("role default not restored after override expiry")
	}
}

func TestResolveLegacyFallbackIgnoresOverrides(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	r := NewPermissionResolver(store)
	if err := r.EnsureCatalog(ctx); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	user := &User{ID: "u3", Role: RoleActuary}

	if err := store.Permissions(ctx).Grant(ctx, Override{
		UserID: user.ID, Name: PermReportsWrite, Granted: true,
	}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	set, err := r.Resolve(ctx, user, ModeLegacy)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The legacy matrix is static and reduced: the override does not apply,
	// and secure-only grants like calculations:write are absent.
	if _, ok := set[PermReportsWrite]; ok {
		t.Fatal("override applied in legacy mode")
	}
	if _, ok := set[PermCalculationsWrite]; ok {
		t.Fatal("legacy actuary granted calculations:write")
	}
	if _, ok := set[PermCalculationsRead]; !ok {
		t.Fatal("legacy actuary missing calculations:read")
	}
}

func TestRequire(t *testing.T) {
	viewer := Identity{
		User:        &User{ID: "u", Role: RoleViewer},
		Permissions: map[string]struct{}{PermReportsRead: {}},
	}
	if err := Require(viewer, PermReportsRead); err != nil {
		t.Fatalf("Require granted perm: %v", err)
	}

	err := Require(viewer, PermReportsGenerate)
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want PermissionDeniedError", err)
	}
	if denied.Required != PermReportsGenerate || denied.Role != RoleViewer {
		t.Fatalf("denied detail = %+v", denied)
	}

	// Admin bypasses regardless of the resolved set.
	admin := Identity{User: &User{ID: "a", Role: RoleAdmin}}
	if err := Require(admin, PermMigrationManage); err != nil {
		t.Fatalf("admin bypass failed: %v", err)
	}
}
