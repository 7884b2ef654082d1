// Package oidc implements OpenID Connect authorization-code login: the
// OIDC_* settings, discovery caching, signed state tokens, the code
// exchange and UserInfo calls, claim decoding, role mapping and just-in-time
// account provisioning. Flow ties these together for the HTTP handlers.
package oidc

import (
	"errors"
	"os"
	"strings"
)

// Defaults applied when the corresponding variable is unset or empty.
const (
	DefaultScopes      = "openid profile email"
	DefaultRoleClaim   = "groups"
	DefaultAdminGroup  = "umami-admin"
	DefaultDisplayName = "Single Sign-On"
)

// Config is a snapshot of the OIDC_* settings. It is resolved from the
// environment on every request and never mutated.
type Config struct {
	Enabled       bool
	ClientID      string
	ClientSecret  string `json:"-"`
	IssuerURL     string
	Scopes        string
	RedirectURI   string
	RoleClaim     string
	AdminGroup    string
	AutoCreate    bool
	DisplayName   string
	VerifyIDToken bool
}

// ConfigFromEnv resolves Config from the process environment.
func ConfigFromEnv() Config {
	return ResolveConfig(os.LookupEnv)
}

// ResolveConfig builds a Config from lookup. Empty values count as unset.
func ResolveConfig(lookup func(string) (string, bool)) Config {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	flag := func(key string) bool {
		switch strings.ToLower(get(key, "")) {
		case "1", "true":
			return true
		}
		return false
	}

	return Config{
		Enabled:       flag("OIDC_ENABLED"),
		ClientID:      get("OIDC_CLIENT_ID", ""),
		ClientSecret:  get("OIDC_CLIENT_SECRET", ""),
		IssuerURL:     strings.TrimRight(get("OIDC_ISSUER_URL", ""), "/"),
		Scopes:        get("OIDC_SCOPES", DefaultScopes),
		RedirectURI:   get("OIDC_REDIRECT_URI", ""),
		RoleClaim:     get("OIDC_ROLE_CLAIM", DefaultRoleClaim),
		AdminGroup:    get("OIDC_ADMIN_GROUP", DefaultAdminGroup),
		AutoCreate:    get("OIDC_AUTO_CREATE", "") != "false",
		DisplayName:   get("OIDC_DISPLAY_NAME", DefaultDisplayName),
		VerifyIDToken: flag("OIDC_VERIFY_ID_TOKEN"),
	}
}

// Validate reports every missing required setting. A disabled config is
// always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, ErrMissingClientID)
	}
	if c.ClientSecret == "" {
		errs = append(errs, ErrMissingClientSecret)
	}
	if c.IssuerURL == "" {
		errs = append(errs, ErrMissingIssuerURL)
	}
	return errors.Join(errs...)
}

// ScopeList splits Scopes on whitespace.
func (c Config) ScopeList() []string {
	return strings.Fields(c.Scopes)
}
