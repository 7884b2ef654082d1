package auth

import (
	"errors"
	"time"
)

// User errors.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidUser  = errors.New("invalid user")
)

// AuthProviderOIDC marks accounts created by single sign-on.
const AuthProviderOIDC = "oidc"

// User is a local account. Accounts created through single sign-on carry
// the issuer and subject they were provisioned from.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Role         Role       `json:"role"`
	PasswordHash []byte     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	AuthProvider string     `json:"auth_provider,omitempty"`
	OIDCSubject  string     `json:"oidc_subject,omitempty"`
	OIDCIssuer   string     `json:"oidc_issuer,omitempty"`
}

// IsAdmin reports whether the account holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	cpy := *u
	if u.PasswordHash != nil {
		cpy.PasswordHash = append([]byte(nil), u.PasswordHash...)
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cpy.LastLoginAt = &t
	}
	return &cpy
}
