package auth

import "strings"

// Fixed exit routes used by guards.
const (
	RouteRoot                 = "/"
	RouteSignIn               = "/sign-in"
	RouteSignInAdmin          = "/sign-in/admin"
	RouteRegister             = "/register"
	RouteUnauthorized         = "/unauthorized"
	RouteSubscriptionRequired = "/subscription-required"
	RouteSubscriptionPayment  = "/subscription/payment"
)

// RoutePermission binds a route pattern to the permissions that open it.
// Holding any one of Permissions is sufficient.
type RoutePermission struct {
	Pattern     string
	Permissions []Permission
}

// RoutePermissions is the ordered route -> permission map. The first match
// wins, so more specific patterns come first.
var RoutePermissions = []RoutePermission{
	{Pattern: "/bank-management/:id", Permissions: []Permission{PermBanksView}},
	{Pattern: "/bank-management", Permissions: []Permission{PermBanksManage}},
	{Pattern: "/platform-analytics", Permissions: []Permission{PermPlatformAnalytics}},
	{Pattern: "/subscriptions", Permissions: []Permission{PermSubscriptionsManage}},
	{Pattern: "/users", Permissions: []Permission{PermUsersManage}},
	{Pattern: "/loans/:id/edit", Permissions: []Permission{PermLoansManage}},
	{Pattern: "/loans/:id", Permissions: []Permission{PermLoansView}},
	{Pattern: "/loans", Permissions: []Permission{PermLoansView}},
	{Pattern: "/borrowers/:id", Permissions: []Permission{PermBorrowersView}},
	{Pattern: "/borrowers", Permissions: []Permission{PermBorrowersView}},
	{Pattern: "/reports", Permissions: []Permission{PermReportsView}},
	{Pattern: "/settings", Permissions: []Permission{PermSettingsManage}},
	{Pattern: RouteSubscriptionPayment, Permissions: []Permission{PermSubscriptionPay}},
	{Pattern: "/documents", Permissions: []Permission{PermDocumentsUpload}},
	{Pattern: "/apply", Permissions: []Permission{PermLoansApply}},
	{Pattern: "/my-loans/:id", Permissions: []Permission{PermOwnLoansView}},
	{Pattern: "/my-loans", Permissions: []Permission{PermOwnLoansView}},
	{Pattern: "/profile", Permissions: []Permission{PermProfileView}},
	{Pattern: "/notifications", Permissions: []Permission{PermNotificationsView}},
}

// RoleRoutes is the per-role route allow-list. It is kept apart from the
// permission table because some routes, such as the landing dashboard, are
// role-specific by path rather than by permission.
var RoleRoutes = map[Role][]string{
	RoleSuperAdmin: {
		RouteRoot,
		"/dashboard",
		"/bank-management",
		"/bank-management/:id",
		"/platform-analytics",
		"/subscriptions",
		"/users",
		"/profile",
		"/notifications",
	},
	RoleAdmin: {
		RouteRoot,
		"/dashboard",
		"/loans",
		"/loans/:id",
		"/loans/:id/edit",
		"/borrowers",
		"/borrowers/:id",
		"/reports",
		"/documents",
		"/settings",
		"/profile",
		"/notifications",
		RouteSubscriptionRequired,
		RouteSubscriptionPayment,
	},
	RoleCustomer: {
		RouteRoot,
		"/dashboard",
		"/apply",
		"/my-loans",
		"/my-loans/:id",
		"/documents",
		"/profile",
		"/notifications",
	},
}

// RouteMatches reports whether path matches pattern. Segment counts must be
// equal; a ":name" segment matches exactly one non-empty segment and every
// other segment must match verbatim.
func RouteMatches(pattern, path string) bool {
	if pattern == path {
		return true
	}
	ps := strings.Split(pattern, "/")
	xs := strings.Split(path, "/")
	if len(ps) != len(xs) {
		return false
	}
	for i, seg := range ps {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			if xs[i] == "" {
				return false
			}
			continue
		}
		if seg != xs[i] {
			return false
		}
	}
	return true
}

// CanAccessRoute reports whether path is on role's allow-list.
func CanAccessRoute(role Role, path string) bool {
	for _, pattern := range RoleRoutes[role] {
		if RouteMatches(pattern, path) {
			return true
		}
	}
	return false
}

// PermissionsForRoute returns the permissions required by the first matching
// entry in RoutePermissions.
func PermissionsForRoute(path string) ([]Permission, bool) {
	for _, rp := range RoutePermissions {
		if RouteMatches(rp.Pattern, path) {
			return rp.Permissions, true
		}
	}
	return nil, false
}

// StaticFirstSegments returns the first path segment of every static route
// known to the route tables. These segments can never be tenant slugs.
func StaticFirstSegments() map[string]bool {
	out := map[string]bool{}
	add := func(p string) {
		seg := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)[0]
		if seg != "" && !strings.HasPrefix(seg, ":") {
			out[seg] = true
		}
	}
	for _, rp := range RoutePermissions {
		add(rp.Pattern)
	}
	for _, routes := range RoleRoutes {
		for _, r := range routes {
			add(r)
		}
	}
	for _, r := range []string{RouteSignIn, RouteRegister, RouteUnauthorized, RouteSubscriptionRequired, "/api", "/auth", "/healthz", "/metrics", "/static"} {
		add(r)
	}
	return out
}
