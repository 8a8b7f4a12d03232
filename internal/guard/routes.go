package guard

import (
	"slices"

	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/tenant"
)

var guestOnly = []string{
	auth.RouteSignIn,
	auth.RouteSignInAdmin,
	auth.RouteRegister,
	"/:slug/login",
	"/:slug/register",
	"/:slug/admin/login",
}

var public = []string{
	auth.RouteUnauthorized,
}

// RequirementFor maps a navigation path to the guard that protects it.
// Unknown paths are protected and fail the allow-list check.
func RequirementFor(path string) Requirement {
	if path == "" {
		path = auth.RouteRoot
	}
	if path == auth.RouteRoot {
		return Requirement{Kind: HomeRedirect, Route: path, CheckRouteAccess: true}
	}
	for _, p := range public {
		if auth.RouteMatches(p, path) {
			return Requirement{Kind: Public, Route: path}
		}
	}
	for _, p := range guestOnly {
		if auth.RouteMatches(p, path) {
			_, _, scoped := tenant.Split(path)
			return Requirement{Kind: GuestOnly, Route: path, TenantScoped: scoped}
		}
	}

	if _, inner, ok := tenant.Split(path); ok {
		perms, _ := auth.PermissionsForRoute(inner)
		return Requirement{
			Kind:             RoleGated,
			Roles:            []auth.Role{auth.RoleCustomer},
			Permissions:      perms,
			Route:            inner,
			CheckRouteAccess: true,
			TenantScoped:     true,
		}
	}

	perms, _ := auth.PermissionsForRoute(path)
	return Requirement{
		Kind:             Protected,
		Permissions:      perms,
		Route:            path,
		CheckRouteAccess: true,
		PlatformOnly:     platformOnly(path),
	}
}

// platformOnly reports whether only super admins have path on their
// allow-list.
func platformOnly(path string) bool {
	found := false
	for role, routes := range auth.RoleRoutes {
		if !slices.ContainsFunc(routes, func(p string) bool { return auth.RouteMatches(p, path) }) {
			continue
		}
		if role != auth.RoleSuperAdmin {
			return false
		}
		found = true
	}
	return found
}
