package profiles

import (
	"errors"
	"fmt"
	"strings"
)

// Role selects the page subtree and dashboard a principal may use.
type Role string

// Marketplace roles.
const (
	RoleHomeowner    Role = "homeowner"
	RoleProfessional Role = "professional"
	RoleAdmin        Role = "admin"
)

// ErrUnknownRole is returned when a value is not a marketplace role.
var ErrUnknownRole = errors.New("profiles.unknown_role")

// Roles lists every role in routing order.
var Roles = []Role{RoleHomeowner, RoleProfessional, RoleAdmin}

// ParseRole accepts a role name in any case.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if !role.Valid() {
		return "", fmt.Errorf("profiles.parse_role %q: %w", value, ErrUnknownRole)
	}
	return role, nil
}

// SignupRole maps a sign-up metadata hint to the role of a new profile.
// Only the self-service roles are honoured; anything else is a homeowner.
func SignupRole(hint string) Role {
	role, err := ParseRole(hint)
	if err != nil || role == RoleAdmin {
		return RoleHomeowner
	}
	return role
}

// Valid reports whether role is a marketplace role.
func (role Role) Valid() bool {
	switch role {
	case RoleHomeowner, RoleProfessional, RoleAdmin:
		return true
	default:
		return false
	}
}

// Root is the landing route of the role subtree.
func (role Role) Root() string {
	return "/" + string(role)
}

// Dashboard is the post sign-in destination of the role.
func (role Role) Dashboard() string {
	return role.Root() + "/dashboard"
}

// Owns reports whether path lies inside the role subtree.
func (role Role) Owns(path string) bool {
	root := role.Root()
	return path == root || strings.HasPrefix(path, root+"/")
}

// RoleForPath returns the role whose subtree contains path.
func RoleForPath(path string) (Role, bool) {
	for _, role := range Roles {
		if role.Owns(path) {
			return role, true
		}
	}
	return "", false
}
