package api

import (
	"net/http"
	"net/url"
	"time"

	"umamisso/internal/auth/oidc"
)

// Cookies carried through the single sign-on handshake.
const (
	oidcStateCookie    = "oidc_state"
	oidcNonceCookie    = "oidc_nonce"
	oidcRedirectCookie = "oidc_redirect_uri"

	// oidcBridgeCookie hands the session ID to the frontend, which stores it
	// and sends it back as a bearer token.
	oidcBridgeCookie = "oidc_token"

	oidcCookiePath      = "/api/v1/auth/oidc/"
	oidcHandshakeMaxAge = 600
	oidcBridgeMaxAge    = 60

	oidcCallbackPath  = "/api/v1/auth/oidc/callback"
	loginPath         = "/login"
	loginCompletePath = "/login/oidc/complete"
)

type oidcPublicConfig struct {
	Enabled      bool   `json:"enabled"`
	DisplayName  string `json:"displayName"`
	AuthorizeURL string `json:"authorizeUrl,omitempty"`
}

// handleOIDCConfig tells the login page whether to offer single sign-on.
// GET /api/v1/auth/oidc/config
func (s *Server) handleOIDCConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.oidcConfig()
	resp := oidcPublicConfig{Enabled: cfg.Enabled && cfg.Validate() == nil}
	if resp.Enabled {
		resp.DisplayName = cfg.DisplayName
		resp.AuthorizeURL = s.appURL("/api/v1/auth/oidc/authorize")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleOIDCAuthorize starts a login: it stores state, nonce and redirect
// URI in short-lived cookies and redirects to the identity provider.
// GET /api/v1/auth/oidc/authorize
func (s *Server) handleOIDCAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.oidcConfig()

	if !cfg.Enabled {
		s.writeErr(ctx, w, http.StatusNotFound, "single sign-on is not enabled", "")
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "single sign-on is misconfigured", err.Error())
		return
	}

	req, err := s.flow.Begin(ctx, cfg, s.redirectURI(r, cfg))
	if err != nil {
		s.logger.WarnContext(ctx, "oidc authorize failed", "error", err)
		s.redirectLoginError(w, r, err)
		return
	}

	secure := s.secureRequest(r)
	setHandshakeCookie(w, oidcStateCookie, req.State, oidcHandshakeMaxAge, secure)
	setHandshakeCookie(w, oidcNonceCookie, req.Nonce, oidcHandshakeMaxAge, secure)
	setHandshakeCookie(w, oidcRedirectCookie, req.RedirectURI, oidcHandshakeMaxAge, secure)
	http.Redirect(w, r, req.URL, http.StatusFound)
}

// handleOIDCCallback completes a login and opens a session.
// GET /api/v1/auth/oidc/callback?code=...&state=...
func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.oidcConfig()
	q := r.URL.Query()

	redirectURI := cookieValue(r, oidcRedirectCookie)
	if redirectURI == "" {
		redirectURI = s.redirectURI(r, cfg)
	}

	res, err := s.flow.Callback(ctx, cfg, oidc.CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		StateCookie:      cookieValue(r, oidcStateCookie),
		NonceCookie:      cookieValue(r, oidcNonceCookie),
		RedirectURI:      redirectURI,
		RemoteAddr:       clientKey(r),
		RequestID:        RequestIDFromContext(ctx),
	})

	// The handshake cookies are single use whatever the outcome.
	secure := s.secureRequest(r)
	for _, name := range []string{oidcStateCookie, oidcNonceCookie, oidcRedirectCookie} {
		setHandshakeCookie(w, name, "", -1, secure)
	}

	if err != nil {
		s.redirectLoginError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    res.Session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   max(int(time.Until(res.Session.ExpiresAt).Seconds()), 1),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     oidcBridgeCookie,
		Value:    res.Session.ID,
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   oidcBridgeMaxAge,
	})
	http.Redirect(w, r, s.appURL(loginCompletePath), http.StatusFound)
}

// redirectLoginError sends the browser back to the login page with a
// message that is safe to display.
func (s *Server) redirectLoginError(w http.ResponseWriter, r *http.Request, err error) {
	msg := oidc.LoginErrorMessage(err)
	http.Redirect(w, r, s.appURL(loginPath)+"?error="+url.QueryEscape(msg), http.StatusFound)
}

// redirectURI returns the configured callback URL, or derives one from the
// base URL or the request.
func (s *Server) redirectURI(r *http.Request, cfg oidc.Config) string {
	if cfg.RedirectURI != "" {
		return cfg.RedirectURI
	}
	if s.baseURL != "" {
		return s.baseURL + oidcCallbackPath
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + oidcCallbackPath
}

func setHandshakeCookie(w http.ResponseWriter, name, value string, maxAge int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     oidcCookiePath,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
