package auth

import (
	"errors"
	"slices"
)

var (
	ErrUnauthorized = errors.New("unauthorized: insufficient permissions")
)

// Role definitions
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Permission definitions
const (
	PermissionViewHistory  = "history:read"
	PermissionViewConfig   = "config:read"
	PermissionTriggerSweep = "sweep:trigger"
	PermissionRemovePath   = "path:remove"
)

// RolePermissions maps roles to their allowed permissions
var RolePermissions = map[string][]string{
	RoleAdmin: {
		PermissionViewHistory,
		PermissionViewConfig,
		PermissionTriggerSweep,
		PermissionRemovePath,
	},
	RoleOperator: {
		PermissionViewHistory,
		PermissionTriggerSweep,
		PermissionRemovePath,
	},
	RoleViewer: {
		PermissionViewHistory,
	},
}

// HasPermission checks if user roles include the required permission
func HasPermission(userRoles []string, requiredPermission string) bool {
	for _, role := range userRoles {
		if slices.Contains(RolePermissions[role], requiredPermission) {
			return true
		}
	}
	return false
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	_, ok := RolePermissions[role]
	return ok
}

// RequirePermission returns a check for a specific permission
func RequirePermission(permission string) func(*Claims) error {
	return func(claims *Claims) error {
		if !HasPermission(claims.Roles, permission) {
			return ErrUnauthorized
		}
		return nil
	}
}
