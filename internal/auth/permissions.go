package auth

import (
	"context"
	"time"
)

// Permission names form a closed enumeration validated against the
// permissions table at startup. Handlers reference these constants, never
// ad hoc string literals.
const (
	PermCalculationsRead  = "calculations:read"
	PermCalculationsWrite = "calculations:write"
	PermReportsRead       = "reports:read"
	PermReportsWrite      = "reports:write"
	PermReportsGenerate   = "reports:generate"
	PermUsersManage       = "users:manage"
	PermAuditRead         = "audit:read"
	PermMigrationManage   = "migration:manage"
)

// Catalog is the full permission set the service knows about.
var Catalog = []Permission{
	{Name: PermCalculationsRead, Resource: "calculations", Action: "read"},
	{Name: PermCalculationsWrite, Resource: "calculations", Action: "write"},
	{Name: PermReportsRead, Resource: "reports", Action: "read"},
	{Name: PermReportsWrite, Resource: "reports", Action: "write"},
	{Name: PermReportsGenerate, Resource: "reports", Action: "generate"},
	{Name: PermUsersManage, Resource: "users", Action: "manage"},
	{Name: PermAuditRead, Resource: "audit", Action: "read"},
	{Name: PermMigrationManage, Resource: "migration", Action: "manage"},
}

// legacyFallback is the static, reduced matrix applied to legacy-mode
// identities. Legacy sessions predate the granular model, so per-user
// overrides are deliberately not consulted; the fallback is conservative
// even where the live tables would grant more.
var legacyFallback = map[Role][]string{
	RoleActuary: {PermCalculationsRead, PermReportsRead},
	RoleAnalyst: {PermCalculationsRead, PermReportsRead},
	RoleViewer:  {PermReportsRead},
	// Admins in legacy mode still bypass checks by role, but keep their
	// fallback honest for audit detail.
	RoleAdmin: {PermCalculationsRead, PermReportsRead, PermAuditRead},
}

// PermissionResolver computes the effective permission set for a user from
// the role matrix and unexpired per-user overrides.
type PermissionResolver struct {
	store Store
	now   func() time.Time
}

// ResolverOption configures PermissionResolver.
type ResolverOption func(*PermissionResolver)

// WithResolverClock overrides the time source used for override expiry.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *PermissionResolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewPermissionResolver constructs the resolver.
func NewPermissionResolver(store Store, opts ...ResolverOption) *PermissionResolver {
	r := &PermissionResolver{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureCatalog guarantees every catalog permission exists in the store.
// Run at startup so permission names stay a closed, validated enumeration.
func (r *PermissionResolver) EnsureCatalog(ctx context.Context) error {
	return r.store.Permissions(ctx).Ensure(ctx, Catalog)
}

// Resolve computes the effective permission set for the given auth mode.
// Admins resolve to the full catalog (checks bypass anyway, but the audit
// detail stays meaningful). Legacy identities get the static fallback only.
// In secure mode an unexpired override always beats the role default, grant
// or revoke; once expired it is ignored and the role default re-applies.
func (r *PermissionResolver) Resolve(ctx context.Context, user *User, mode AuthMode) (map[string]struct{}, error) {
	if user.Role == RoleAdmin {
		set := make(map[string]struct{}, len(Catalog))
		for _, p := range Catalog {
			set[p.Name] = struct{}{}
		}
		return set, nil
	}

	if mode == ModeLegacy {
		names := legacyFallback[user.Role]
		set := make(map[string]struct{}, len(names))
		for _, name := range names {
			set[name] = struct{}{}
		}
		return set, nil
	}

	perms := r.store.Permissions(ctx)
	granted, err := perms.ForRole(ctx, user.Role)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(granted))
	for _, name := range granted {
		set[name] = struct{}{}
	}

	overrides, err := perms.OverridesForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	for _, o := range overrides {
		if o.Expired(now) {
			continue
		}
		if o.Granted {
			set[o.Name] = struct{}{}
		} else {
			delete(set, o.Name)
		}
	}
	return set, nil
}

// Require guards an operation: admin bypass first, then membership in the
// resolved set. Failure carries the required permission and the actual role.
func Require(id Identity, perm string) error {
	if id.HasPermission(perm) {
		return nil
	}
	var role Role
	if id.User != nil {
		role = id.User.Role
	}
	return &PermissionDeniedError{
		Required: perm,
		Role:     role,
		Granted:  id.PermissionNames(),
	}
}
