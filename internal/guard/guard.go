// Package guard decides, for one navigation, whether to render the requested
// page or redirect. Decisions are pure functions of the session snapshot,
// the resolved tenant and the route's requirement; nothing is remembered
// between navigations.
package guard

import (
	"slices"

	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/tenant"
)

// State is where a navigation ended up in the guard state machine.
type State int

const (
	// Unchecked means the startup session check has not finished.
	Unchecked State = iota
	Unauthenticated
	AuthenticatedWrongRole
	AuthenticatedSubscriptionRequired
	Authorized
)

func (s State) String() string {
	switch s {
	case Unchecked:
		return "unchecked"
	case Unauthenticated:
		return "unauthenticated"
	case AuthenticatedWrongRole:
		return "wrong_role"
	case AuthenticatedSubscriptionRequired:
		return "subscription_required"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Kind selects which guard protects a route.
type Kind int

const (
	// Public routes render for everyone once the session is known.
	Public Kind = iota
	// GuestOnly routes (sign-in, register) send signed-in users home.
	GuestOnly
	// Protected routes need a session and pass the role's route checks.
	Protected
	// RoleGated routes additionally need one of Roles; others go home.
	RoleGated
	// HomeRedirect is the application root.
	HomeRedirect
)

// Requirement describes what a route needs.
type Requirement struct {
	Kind Kind
	// Roles allowed through a RoleGated route.
	Roles []auth.Role
	// Permissions of which the role must hold at least one.
	Permissions []auth.Permission
	// Route is the path checked against the role's allow-list. For tenant
	// pages it is the path inside the tenant namespace.
	Route string
	// CheckRouteAccess enables the per-role allow-list check.
	CheckRouteAccess bool
	// TenantScoped routes live under /{slug}/.
	TenantScoped bool
	// PlatformOnly routes are reachable by super admins only.
	PlatformOnly bool
}

// Decision is the outcome of one navigation.
type Decision struct {
	State      State
	Render     bool
	RedirectTo string
}

var subscriptionExempt = []string{auth.RouteSubscriptionRequired, auth.RouteSubscriptionPayment}

// Decide runs the guard state machine for a navigation to path.
func Decide(s session.State, slug, path string, req Requirement) Decision {
	if !s.IsInitialized {
		return Decision{State: Unchecked}
	}

	if req.Kind == Public {
		return Decision{State: Authorized, Render: true}
	}

	authed := s.IsAuthenticated && s.User != nil

	if req.Kind == GuestOnly {
		if authed {
			return Decision{State: AuthenticatedWrongRole, RedirectTo: auth.RouteRoot}
		}
		return Decision{State: Unauthenticated, Render: true}
	}

	if !authed {
		return Decision{State: Unauthenticated, RedirectTo: signInFor(req, slug)}
	}
	user := s.User

	if req.Kind == HomeRedirect && user.Role == auth.RoleCustomer && slug != "" {
		return Decision{State: Authorized, RedirectTo: tenant.ScopedPath(slug, auth.RouteRoot)}
	}

	if req.Kind == RoleGated && !slices.Contains(req.Roles, user.Role) {
		return Decision{State: AuthenticatedWrongRole, RedirectTo: auth.RouteRoot}
	}

	if req.TenantScoped && user.Role == auth.RoleCustomer && user.BankSlug != "" && slug != "" && slug != user.BankSlug {
		return Decision{State: AuthenticatedWrongRole, RedirectTo: tenant.ScopedPath(user.BankSlug, auth.RouteRoot)}
	}

	route := req.Route
	if route == "" {
		route = path
	}
	if req.CheckRouteAccess && !auth.CanAccessRoute(user.Role, route) {
		return Decision{State: AuthenticatedWrongRole, RedirectTo: auth.RouteUnauthorized}
	}
	if len(req.Permissions) > 0 && !roleHoldsAny(user.Role, req.Permissions) {
		return Decision{State: AuthenticatedWrongRole, RedirectTo: auth.RouteUnauthorized}
	}

	if tenant.SubscriptionRequired(user) && !slices.Contains(subscriptionExempt, route) {
		return Decision{State: AuthenticatedSubscriptionRequired, RedirectTo: auth.RouteSubscriptionRequired}
	}

	return Decision{State: Authorized, Render: true}
}

func roleHoldsAny(role auth.Role, perms []auth.Permission) bool {
	for _, p := range perms {
		if auth.HasPermission(role, p) {
			return true
		}
	}
	return false
}

func signInFor(req Requirement, slug string) string {
	switch {
	case req.TenantScoped && slug != "":
		return tenant.ScopedPath(slug, "/login")
	case req.PlatformOnly:
		return auth.RouteSignInAdmin
	default:
		return auth.RouteSignIn
	}
}
