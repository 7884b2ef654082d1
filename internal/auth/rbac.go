// Package auth holds local accounts, sessions and role checks for the
// analytics app. Single sign-on lives in the oidc subpackage.
package auth

import (
	"strings"
)

// Role is an application-wide privilege level.
type Role string

const (
	// RoleAdmin manages users, teams and single sign-on rules.
	RoleAdmin Role = "admin"

	// RoleUser owns websites and joins teams.
	RoleUser Role = "user"

	// RoleViewOnly can read shared dashboards only.
	RoleViewOnly Role = "view-only"

	// RoleNone represents no role (unauthenticated or unknown).
	RoleNone Role = ""
)

// Resource constants for permission checks.
const (
	ResourceWebsites = "websites"
	ResourceTeams    = "teams"
	ResourceUsers    = "users"
	ResourceSSO      = "sso"
)

// Action constants for permission checks.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Permission represents an action on a resource.
type Permission struct {
	Resource string
	Action   string
}

// String returns "resource:action".
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

func crud(resource string) []Permission {
	return []Permission{
		{resource, ActionCreate},
		{resource, ActionRead},
		{resource, ActionUpdate},
		{resource, ActionDelete},
	}
}

// RolePermissions maps roles to their allowed permissions.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: append(append(append(crud(ResourceWebsites), crud(ResourceTeams)...), crud(ResourceUsers)...), crud(ResourceSSO)...),
	RoleUser: append(crud(ResourceWebsites),
		Permission{ResourceTeams, ActionCreate},
		Permission{ResourceTeams, ActionRead},
	),
	RoleViewOnly: {
		{ResourceWebsites, ActionRead},
		{ResourceTeams, ActionRead},
	},
}

// role -> resource -> action
var rolePermissionCache map[Role]map[string]map[string]bool

func init() {
	rolePermissionCache = make(map[Role]map[string]map[string]bool)
	for role, perms := range RolePermissions {
		rolePermissionCache[role] = make(map[string]map[string]bool)
		for _, perm := range perms {
			if rolePermissionCache[role][perm.Resource] == nil {
				rolePermissionCache[role][perm.Resource] = make(map[string]bool)
			}
			rolePermissionCache[role][perm.Resource][perm.Action] = true
		}
	}
}

// HasPermission checks if a role has permission for a specific resource and action.
// Unknown roles, resources and actions are denied.
func HasPermission(role Role, resource, action string) bool {
	if role == RoleNone {
		return false
	}
	return rolePermissionCache[role][resource][action]
}

// IsValidRole returns true if the given role is a valid defined role.
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleUser, RoleViewOnly:
		return true
	default:
		return false
	}
}

// ParseRole parses a string into a Role.
// Returns RoleNone if the string doesn't match a valid role.
func ParseRole(s string) Role {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if IsValidRole(role) {
		return role
	}
	return RoleNone
}
