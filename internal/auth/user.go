package auth

import "slices"

// SubscriptionStatus is a bank's payment status.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// User is the authenticated profile returned by the API.
type User struct {
	ID                 string             `json:"id"`
	Email              string             `json:"email"`
	Name               string             `json:"name,omitempty"`
	Role               Role               `json:"role"`
	Permissions        []Permission       `json:"permissions,omitempty"`
	BankID             string             `json:"bankId,omitempty"`
	BankSlug           string             `json:"bankSlug,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus,omitempty"`
}

// UserCan checks a capability. The role table is consulted first; the
// permissions carried on the user only ever add to it.
func UserCan(user *User, perm Permission) bool {
	if user == nil {
		return false
	}
	if HasPermission(user.Role, perm) {
		return true
	}
	return slices.Contains(user.Permissions, perm)
}

// UserCanAny reports whether the user holds at least one of perms.
func UserCanAny(user *User, perms []Permission) bool {
	for _, p := range perms {
		if UserCan(user, p) {
			return true
		}
	}
	return false
}
