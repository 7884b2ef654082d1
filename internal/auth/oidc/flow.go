package oidc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"umamisso/internal/audit"
	"umamisso/internal/auth"
	"umamisso/internal/observability"
)

// TeamSynchronizer grants team memberships from claims after a login.
// Implementations log their own failures; nothing is returned.
type TeamSynchronizer interface {
	ApplyTeamMappings(ctx context.Context, userID string, userInfo, idClaims Claims)
}

// FlowConfig wires a Flow. Discovery, HTTPClient, Logger, StateMaxAge and
// SessionDuration have defaults; Teams, Audit and Metrics may be nil.
type FlowConfig struct {
	Discovery       *DiscoveryCache
	HTTPClient      *http.Client
	Users           auth.UserStore
	Sessions        auth.SessionStore
	Teams           TeamSynchronizer
	Audit           audit.AuditLogger
	Logger          observability.Logger
	Metrics         *observability.Metrics
	StateSecret     []byte
	StateMaxAge     time.Duration
	SessionDuration time.Duration
}

// Flow runs the authorization-code login: Begin builds the provider
// redirect, Callback completes it and opens a local session.
type Flow struct {
	discovery       *DiscoveryCache
	httpClient      *http.Client
	users           auth.UserStore
	sessions        auth.SessionStore
	teams           TeamSynchronizer
	audit           audit.AuditLogger
	logger          observability.Logger
	metrics         *observability.Metrics
	provisioner     *Provisioner
	stateSecret     []byte
	stateMaxAge     time.Duration
	sessionDuration time.Duration
}

// NewFlow creates a Flow from fc.
func NewFlow(fc FlowConfig) *Flow {
	if fc.HTTPClient == nil {
		fc.HTTPClient = cleanhttp.DefaultPooledClient()
	}
	if fc.Discovery == nil {
		fc.Discovery = NewDiscoveryCache(fc.HTTPClient, WithDiscoveryMetrics(fc.Metrics))
	}
	if fc.Logger == nil {
		fc.Logger = observability.Discard()
	}
	if fc.StateMaxAge == 0 {
		fc.StateMaxAge = DefaultStateMaxAge
	}
	if fc.SessionDuration <= 0 {
		fc.SessionDuration = auth.DefaultSessionDuration
	}
	return &Flow{
		discovery:       fc.Discovery,
		httpClient:      fc.HTTPClient,
		users:           fc.Users,
		sessions:        fc.Sessions,
		teams:           fc.Teams,
		audit:           fc.Audit,
		logger:          fc.Logger.WithComponent("oidc"),
		metrics:         fc.Metrics,
		provisioner:     NewProvisioner(fc.Users, fc.Logger),
		stateSecret:     fc.StateSecret,
		stateMaxAge:     fc.StateMaxAge,
		sessionDuration: fc.SessionDuration,
	}
}

// Client returns a provider client for cfg sharing the flow's discovery
// cache and HTTP client.
func (f *Flow) Client(cfg Config) *Client {
	return NewClient(cfg, f.discovery, f.httpClient)
}

// AuthRequest is the outcome of Begin. State, Nonce and RedirectURI must be
// kept by the caller (in cookies) and handed back to Callback.
type AuthRequest struct {
	URL         string
	State       string
	Nonce       string
	RedirectURI string
}

// Begin starts a login and returns the provider URL to redirect to.
func (f *Flow) Begin(ctx context.Context, cfg Config, redirectURI string) (*AuthRequest, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state, err := GenerateState(f.stateSecret)
	if err != nil {
		return nil, err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	u, err := f.Client(cfg).AuthorizationURL(ctx, state, nonce, redirectURI)
	if err != nil {
		return nil, err
	}
	return &AuthRequest{URL: u, State: state, Nonce: nonce, RedirectURI: redirectURI}, nil
}

// CallbackRequest carries the callback query parameters and the values
// saved by Begin.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string

	StateCookie string
	NonceCookie string
	RedirectURI string

	RemoteAddr string
	RequestID  string
}

// LoginResult is a completed login.
type LoginResult struct {
	User    *auth.User
	Session *auth.Session
	Created bool
}

// Callback completes a login. Any error means no session was created; pass
// it to LoginErrorMessage for display.
func (f *Flow) Callback(ctx context.Context, cfg Config, req CallbackRequest) (*LoginResult, error) {
	res, err := f.callback(ctx, cfg, req)
	if err != nil {
		class := errorClass(err)
		outcome := observability.LoginError
		switch class {
		case "csrf", "provider", "provisioning", "disabled":
			outcome = observability.LoginRejected
		}
		f.metrics.RecordLogin(outcome)
		f.logger.WarnContext(ctx, "oidc login failed", "error_class", class, "error", err)
		f.record(ctx, &audit.AuditEvent{
			Actor:        audit.ActorTypeAnonymous,
			ActorType:    audit.ActorTypeAnonymous,
			Action:       audit.ActionLoginFailed,
			ResourceType: audit.ResourceSession,
			Outcome:      audit.OutcomeFailure,
			Reason:       class,
			RequestID:    req.RequestID,
			IPAddress:    req.RemoteAddr,
		})
		return nil, err
	}

	if res.Created {
		f.metrics.RecordLogin(observability.LoginProvisioned)
	} else {
		f.metrics.RecordLogin(observability.LoginSuccess)
	}
	f.logger.InfoContext(ctx, "oidc login succeeded",
		"user_id", res.User.ID, "username", res.User.Username, "role", res.User.Role, "created", res.Created)
	return res, nil
}

func (f *Flow) callback(ctx context.Context, cfg Config, req CallbackRequest) (*LoginResult, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if req.Error != "" {
		return nil, &ProviderError{Code: req.Error, Description: req.ErrorDescription}
	}
	if req.Code == "" || req.State == "" {
		return nil, ErrMissingCode
	}
	if req.StateCookie == "" ||
		subtle.ConstantTimeCompare([]byte(req.State), []byte(req.StateCookie)) != 1 ||
		!VerifyState(req.State, f.stateSecret, f.stateMaxAge) {
		return nil, ErrCSRFViolation
	}

	client := f.Client(cfg)
	tokens, err := client.ExchangeCode(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	idClaims := ParseIDTokenClaims(tokens.IDToken)
	if n := idClaims.String("nonce"); n != "" && req.NonceCookie != "" &&
		subtle.ConstantTimeCompare([]byte(n), []byte(req.NonceCookie)) != 1 {
		return nil, ErrNonceMismatch
	}
	if cfg.VerifyIDToken {
		if err := client.VerifyIDToken(ctx, tokens.IDToken, req.NonceCookie); err != nil {
			return nil, err
		}
	}

	userInfo, err := client.UserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	out, err := f.provisioner.provision(ctx, userInfo, idClaims, cfg)
	if err != nil {
		return nil, err
	}
	user := out.user
	f.recordProvisioning(ctx, req, out)

	subject := LookupString("sub", userInfo, idClaims)
	session, err := auth.NewSession(user.ID, user.Role, f.sessionDuration, map[string]string{
		auth.SessionMetaProvider: auth.AuthProviderOIDC,
		auth.SessionMetaSubject:  subject,
	})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if err := f.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	loginAt := time.Now().UTC()
	if err := f.users.UpdateLastLogin(ctx, user.ID, loginAt); err != nil {
		f.logger.WarnContext(ctx, "failed to record last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &loginAt
	}

	f.record(ctx, &audit.AuditEvent{
		Actor:        user.Username,
		ActorType:    audit.ActorTypeOIDC,
		Action:       audit.ActionLogin,
		ResourceType: audit.ResourceSession,
		ResourceID:   user.ID,
		ResourceName: user.Username,
		RequestID:    req.RequestID,
		IPAddress:    req.RemoteAddr,
	})

	if f.teams != nil {
		f.teams.ApplyTeamMappings(ctx, user.ID, userInfo, idClaims)
	}

	return &LoginResult{User: user, Session: session, Created: out.created}, nil
}

func (f *Flow) recordProvisioning(ctx context.Context, req CallbackRequest, out provisionOutcome) {
	switch {
	case out.created:
		f.record(ctx, &audit.AuditEvent{
			Actor:        out.user.Username,
			ActorType:    audit.ActorTypeOIDC,
			Action:       audit.ActionProvision,
			ResourceType: audit.ResourceUser,
			ResourceID:   out.user.ID,
			ResourceName: out.user.Username,
			Changes:      &audit.Changes{After: map[string]any{"role": string(out.user.Role)}},
			RequestID:    req.RequestID,
			IPAddress:    req.RemoteAddr,
		})
	case out.roleChanged():
		f.record(ctx, &audit.AuditEvent{
			Actor:        out.user.Username,
			ActorType:    audit.ActorTypeOIDC,
			Action:       audit.ActionRoleChange,
			ResourceType: audit.ResourceUser,
			ResourceID:   out.user.ID,
			ResourceName: out.user.Username,
			Changes: &audit.Changes{
				Before: map[string]any{"role": string(out.previousRole)},
				After:  map[string]any{"role": string(out.user.Role)},
			},
			RequestID: req.RequestID,
			IPAddress: req.RemoteAddr,
		})
	}
}

func (f *Flow) record(ctx context.Context, event *audit.AuditEvent) {
	if f.audit == nil {
		return
	}
	if err := f.audit.Log(ctx, event); err != nil {
		f.logger.WarnContext(ctx, "failed to write audit event", "action", event.Action, "error", err)
	}
}

func errorClass(err error) string {
	var (
		pe   *ProviderError
		prov *ProvisioningError
	)
	switch {
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.Is(err, ErrInvalidConfig):
		return "config"
	case errors.Is(err, ErrCSRFViolation):
		return "csrf"
	case errors.As(err, &pe), errors.Is(err, ErrMissingCode):
		return "provider"
	case errors.Is(err, ErrDiscoveryFailed):
		return "discovery"
	case errors.Is(err, ErrTokenExchangeFailed):
		return "token_exchange"
	case errors.Is(err, ErrUserInfoFailed):
		return "userinfo"
	case errors.As(err, &prov):
		return "provisioning"
	}
	return "internal"
}

// LoginErrorMessage returns the text shown on the login page for a failed
// Callback or Begin. It never includes provider responses or secrets.
func LoginErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var prov *ProvisioningError
	switch errorClass(err) {
	case "disabled":
		return "Single sign-on is not enabled."
	case "config":
		return "Single sign-on is not configured correctly. Contact your administrator."
	case "csrf":
		return "Your login request could not be verified. Please try again."
	case "provider":
		return "The identity provider did not complete the login. Please try again."
	case "discovery":
		return "The identity provider is unreachable. Please try again later."
	case "token_exchange":
		return "The identity provider rejected the login. Please try again."
	case "userinfo":
		return "Your profile could not be loaded from the identity provider."
	case "provisioning":
		if errors.As(err, &prov) && prov.Reason != "" {
			return capitalize(prov.Reason) + "."
		}
	}
	return "Single sign-on failed. Please try again."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
