// Package auth is the static authorization model: roles, permissions, and the
// route tables consulted by the route guard. Everything here is pure.
package auth

import "slices"

// Role describes a user role in the back-office auth model.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleCustomer   Role = "CUSTOMER"
)

// Permission is a fine-grained capability.
type Permission string

const (
	PermBanksManage         Permission = "banks:manage"
	PermBanksView           Permission = "banks:view"
	PermPlatformAnalytics   Permission = "analytics:platform"
	PermSubscriptionsManage Permission = "subscriptions:manage"
	PermUsersManage         Permission = "users:manage"

	PermLoansView         Permission = "loans:view"
	PermLoansManage       Permission = "loans:manage"
	PermBorrowersView     Permission = "borrowers:view"
	PermBorrowersManage   Permission = "borrowers:manage"
	PermReportsView       Permission = "reports:view"
	PermSettingsManage    Permission = "settings:manage"
	PermSubscriptionPay   Permission = "subscription:pay"
	PermDocumentsUpload   Permission = "documents:upload"
	PermLoansApply        Permission = "loans:apply"
	PermOwnLoansView      Permission = "loans:own:view"
	PermProfileView       Permission = "profile:view"
	PermNotificationsView Permission = "notifications:view"
)

// rolePermissions is the canonical role -> permission table.
var rolePermissions = map[Role][]Permission{
	RoleSuperAdmin: {
		PermBanksManage,
		PermBanksView,
		PermPlatformAnalytics,
		PermSubscriptionsManage,
		PermUsersManage,
		PermProfileView,
		PermNotificationsView,
	},
	RoleAdmin: {
		PermLoansView,
		PermLoansManage,
		PermBorrowersView,
		PermBorrowersManage,
		PermReportsView,
		PermSettingsManage,
		PermSubscriptionPay,
		PermDocumentsUpload,
		PermProfileView,
		PermNotificationsView,
	},
	RoleCustomer: {
		PermLoansApply,
		PermOwnLoansView,
		PermDocumentsUpload,
		PermProfileView,
		PermNotificationsView,
	},
}

// PermissionsForRole returns permissions granted to a role. Unknown roles get
// an empty slice.
func PermissionsForRole(role Role) []Permission {
	perms, ok := rolePermissions[role]
	if !ok {
		return []Permission{}
	}
	return slices.Clone(perms)
}

// HasPermission reports whether the role table grants perm to role.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// ValidRole returns true when role is one of the supported user roles.
func ValidRole(role string) bool {
	switch Role(role) {
	case RoleSuperAdmin, RoleAdmin, RoleCustomer:
		return true
	default:
		return false
	}
}

// Roles lists every supported role.
func Roles() []Role {
	return []Role{RoleSuperAdmin, RoleAdmin, RoleCustomer}
}

// IsStaff reports whether role signs in through the staff portal.
func IsStaff(role Role) bool {
	return role == RoleSuperAdmin || role == RoleAdmin
}
