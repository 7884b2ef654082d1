package auth

import (
	"context"
	"errors"
)

// ErrForbidden is returned when the caller's role lacks a permission.
var ErrForbidden = errors.New("forbidden")

type contextKey string

const (
	userContextKey    contextKey = "user"
	sessionContextKey contextKey = "session"
)

// ContextWithUser returns a new context with the user stored in it.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the user from the context.
// Returns nil if no user is present.
func UserFromContext(ctx context.Context) *User {
	if ctx == nil {
		return nil
	}
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// ContextWithSession returns a new context with the session stored in it.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the session from the context.
func SessionFromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	session, _ := ctx.Value(sessionContextKey).(*Session)
	return session
}

// GetEffectiveRole returns the role of the authenticated caller. The stored
// user wins over the session snapshot so a role change made at the next
// login takes effect for older sessions too.
func GetEffectiveRole(ctx context.Context) Role {
	if user := UserFromContext(ctx); user != nil {
		return user.Role
	}
	if session := SessionFromContext(ctx); session != nil && session.IsValid() {
		return session.Role
	}
	return RoleNone
}

// RequirePermission returns ErrForbidden unless the caller may perform
// action on resource.
func RequirePermission(ctx context.Context, resource, action string) error {
	if !HasPermission(GetEffectiveRole(ctx), resource, action) {
		return ErrForbidden
	}
	return nil
}
