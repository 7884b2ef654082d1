package oidc

import (
	"strings"

	"umamisso/internal/auth"
)

// MapRole returns auth.RoleAdmin when cfg.RoleClaim holds cfg.AdminGroup and
// auth.RoleUser otherwise. The claim may be a list of strings, a single
// string or a comma-separated string.
func MapRole(userInfo, idClaims Claims, cfg Config) auth.Role {
	if cfg.AdminGroup == "" {
		return auth.RoleUser
	}
	v, ok := LookupClaim(cfg.RoleClaim, userInfo, idClaims)
	if !ok {
		return auth.RoleUser
	}

	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && s == cfg.AdminGroup {
				return auth.RoleAdmin
			}
		}
	case []string:
		for _, s := range t {
			if s == cfg.AdminGroup {
				return auth.RoleAdmin
			}
		}
	case string:
		if t == cfg.AdminGroup {
			return auth.RoleAdmin
		}
		for _, s := range strings.Split(t, ",") {
			if strings.TrimSpace(s) == cfg.AdminGroup {
				return auth.RoleAdmin
			}
		}
	}
	return auth.RoleUser
}
