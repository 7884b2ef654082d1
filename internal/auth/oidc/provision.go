package oidc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"umamisso/internal/auth"
	"umamisso/internal/observability"
)

// Provisioner resolves the local account for an authenticated subject,
// creating it when auto-create is on.
type Provisioner struct {
	users  auth.UserStore
	logger observability.Logger
	now    func() time.Time
}

// NewProvisioner creates a Provisioner backed by users.
func NewProvisioner(users auth.UserStore, logger observability.Logger) *Provisioner {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Provisioner{users: users, logger: logger.WithComponent("oidc.provision"), now: time.Now}
}

type provisionOutcome struct {
	user         *auth.User
	created      bool
	previousRole auth.Role
}

func (o provisionOutcome) roleChanged() bool {
	return !o.created && o.previousRole != o.user.Role
}

// Provision returns the local user for the claims, updating its role and
// username to match them.
func (p *Provisioner) Provision(ctx context.Context, userInfo, idClaims Claims, cfg Config) (*auth.User, error) {
	out, err := p.provision(ctx, userInfo, idClaims, cfg)
	if err != nil {
		return nil, err
	}
	return out.user, nil
}

func (p *Provisioner) provision(ctx context.Context, userInfo, idClaims Claims, cfg Config) (provisionOutcome, error) {
	username, err := DeriveUsername(userInfo, idClaims)
	if err != nil {
		return provisionOutcome{}, err
	}
	role := MapRole(userInfo, idClaims, cfg)

	user, err := p.findExisting(ctx, username, userInfo, idClaims)
	if err != nil {
		return provisionOutcome{}, err
	}
	if user != nil {
		out := provisionOutcome{user: user, previousRole: user.Role}
		if err := p.syncExisting(ctx, user, username, role); err != nil {
			return provisionOutcome{}, err
		}
		return out, nil
	}

	subject := LookupString("sub", userInfo, idClaims)
	if !cfg.AutoCreate {
		who := subject
		if who == "" {
			who = username
		}
		return provisionOutcome{}, &ProvisioningError{
			Reason: fmt.Sprintf("no account exists for %s user %q; an administrator must provision it manually", cfg.DisplayName, who),
			Err:    ErrUserNotProvisioned,
		}
	}

	hash, err := auth.PlaceholderPasswordHash()
	if err != nil {
		return provisionOutcome{}, fmt.Errorf("placeholder credential: %w", err)
	}
	issuer := LookupString("iss", idClaims, userInfo)
	if issuer == "" {
		issuer = cfg.IssuerURL
	}
	now := p.now().UTC()
	user = &auth.User{
		ID:           uuid.New().String(),
		Username:     username,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
		AuthProvider: auth.AuthProviderOIDC,
		OIDCSubject:  subject,
		OIDCIssuer:   issuer,
	}
	if err := p.users.Create(ctx, user); err != nil {
		return provisionOutcome{}, fmt.Errorf("create user %q: %w", username, err)
	}
	p.logger.InfoContext(ctx, "provisioned user from identity provider",
		"user_id", user.ID, "username", username, "role", role)
	return provisionOutcome{user: user, created: true, previousRole: role}, nil
}

// findExisting tries the derived username, then the raw email and
// preferred_username claims.
func (p *Provisioner) findExisting(ctx context.Context, username string, userInfo, idClaims Claims) (*auth.User, error) {
	candidates := []string{
		username,
		LookupString("email", userInfo, idClaims),
		LookupString("preferred_username", userInfo, idClaims),
	}
	seen := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		u, err := p.users.GetByUsername(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("look up user %q: %w", name, err)
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, nil
}

// syncExisting writes role and username changes. A rename onto a taken
// username is skipped and the role change is still saved.
func (p *Provisioner) syncExisting(ctx context.Context, user *auth.User, username string, role auth.Role) error {
	oldName := user.Username
	roleChanged := user.Role != role
	if !roleChanged && oldName == username {
		return nil
	}

	user.Role = role
	user.Username = username
	user.UpdatedAt = p.now().UTC()
	err := p.users.Update(ctx, user)
	if errors.Is(err, auth.ErrUserExists) && oldName != username {
		p.logger.WarnContext(ctx, "keeping existing username; derived name is taken",
			"user_id", user.ID, "username", oldName, "derived", username)
		user.Username = oldName
		err = nil
		if roleChanged {
			err = p.users.Update(ctx, user)
		}
	}
	if err != nil {
		return fmt.Errorf("update user %q: %w", user.ID, err)
	}
	if roleChanged {
		p.logger.InfoContext(ctx, "updated role from identity provider claims", "user_id", user.ID, "role", role)
	}
	return nil
}

// DeriveUsername picks preferred_username, then email (both lower-cased and
// trimmed), then "oidc_" + sub.
func DeriveUsername(userInfo, idClaims Claims) (string, error) {
	for _, claim := range []string{"preferred_username", "email"} {
		if v := strings.ToLower(strings.TrimSpace(LookupString(claim, userInfo, idClaims))); v != "" {
			return v, nil
		}
	}
	if sub := strings.TrimSpace(LookupString("sub", userInfo, idClaims)); sub != "" {
		return "oidc_" + sub, nil
	}
	return "", &ProvisioningError{Reason: "the identity provider returned no preferred_username, email or sub claim"}
}
