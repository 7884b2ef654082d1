package oidc

import (
	"errors"
	"fmt"
)

// Configuration errors. Each missing-setting error names the variable that
// must be set.
var (
	ErrInvalidConfig       = errors.New("oidc: invalid configuration")
	ErrMissingClientID     = fmt.Errorf("%w: OIDC_CLIENT_ID is required", ErrInvalidConfig)
	ErrMissingClientSecret = fmt.Errorf("%w: OIDC_CLIENT_SECRET is required", ErrInvalidConfig)
	ErrMissingIssuerURL    = fmt.Errorf("%w: OIDC_ISSUER_URL is required", ErrInvalidConfig)
)

// ErrDisabled is returned by login entry points when OIDC_ENABLED is off.
var ErrDisabled = errors.New("oidc: single sign-on is disabled")

// ErrCSRFViolation covers every anti-forgery failure: state mismatch, bad
// signature, expiry, nonce mismatch and a rejected ID token.
var (
	ErrCSRFViolation  = errors.New("oidc: state verification failed")
	ErrNonceMismatch  = fmt.Errorf("%w: nonce mismatch", ErrCSRFViolation)
	ErrInvalidIDToken = fmt.Errorf("%w: id token rejected", ErrCSRFViolation)
)

// Upstream failures.
var (
	ErrDiscoveryFailed     = errors.New("oidc: discovery failed")
	ErrTokenExchangeFailed = errors.New("oidc: token exchange failed")
	ErrUserInfoFailed      = errors.New("oidc: userinfo request failed")
)

var (
	ErrMissingCode        = errors.New("oidc: missing code or state")
	ErrUserNotProvisioned = errors.New("oidc: user not provisioned")
)

// ProviderError is an error reported by the identity provider on the
// callback URL (the error and error_description parameters).
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "oidc: provider returned error: " + e.Code
	}
	return fmt.Sprintf("oidc: provider returned error: %s: %s", e.Code, e.Description)
}

// DiscoveryError reports a failed fetch of the discovery document.
// StatusCode is zero when no HTTP response was received.
type DiscoveryError struct {
	StatusCode int
	Err        error
}

func (e *DiscoveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oidc: discovery failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("oidc: discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() []error { return []error{ErrDiscoveryFailed, e.Err} }

// TokenExchangeError reports a rejected authorization code exchange. Body
// holds the token endpoint's response and must not be shown to end users.
type TokenExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oidc: token exchange failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("oidc: token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() []error { return []error{ErrTokenExchangeFailed, e.Err} }

// UserInfoError reports a failed UserInfo request.
type UserInfoError struct {
	StatusCode int
	Err        error
}

func (e *UserInfoError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oidc: userinfo request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("oidc: userinfo request failed: %v", e.Err)
}

func (e *UserInfoError) Unwrap() []error { return []error{ErrUserInfoFailed, e.Err} }

// ProvisioningError means no local account could be resolved for the
// authenticated subject.
type ProvisioningError struct {
	Reason string
	Err    error
}

func (e *ProvisioningError) Error() string {
	return "oidc: " + e.Reason
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
