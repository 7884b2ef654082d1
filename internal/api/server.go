// Package api exposes single sign-on, session and team administration over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"umamisso/internal/audit"
	"umamisso/internal/auth"
	"umamisso/internal/auth/oidc"
	"umamisso/internal/observability"
	"umamisso/internal/storage"
	"umamisso/internal/teams"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadinessCheck is a named dependency probed by /readyz.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config wires a Server. Users, Sessions and Flow are required. Teams,
// Rules, Audit, Metrics and Logger may be nil; OIDCConfig defaults to
// reading the environment on every request.
type Config struct {
	Users    auth.UserStore
	Sessions auth.SessionStore
	Teams    storage.TeamStore
	Rules    *teams.Engine
	Flow     *oidc.Flow
	Audit    audit.AuditLogger
	Logger   observability.Logger
	Metrics  *observability.Metrics

	// OIDCConfig returns the current single sign-on settings.
	OIDCConfig func() oidc.Config

	// BaseURL is the externally visible origin, e.g. https://analytics.example.com.
	// When empty, redirect URIs are derived from the request.
	BaseURL string

	// LoginRateLimit is applied per client IP to authorize and callback.
	LoginRateLimit LoginRateLimitConfig

	Readiness []ReadinessCheck
}

type Server struct {
	mux         *http.ServeMux
	users       auth.UserStore
	sessions    auth.SessionStore
	teams       storage.TeamStore
	rules       *teams.Engine
	flow        *oidc.Flow
	auditLogger audit.AuditLogger
	logger      observability.Logger
	metrics     *observability.Metrics
	oidcConfig  func() oidc.Config
	baseURL     string
	loginLimit  LoginRateLimitConfig
	readiness   []ReadinessCheck
}

// NewServer creates a new HTTP server with the given dependencies.
// If Logger is nil, a default logger will be used.
// If Audit is nil, a memory-based audit logger will be used.
func NewServer(mux *http.ServeMux, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.DefaultConfig())
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewMemoryAuditLogger()
	}
	if cfg.OIDCConfig == nil {
		cfg.OIDCConfig = oidc.ConfigFromEnv
	}
	return &Server{
		mux:         mux,
		users:       cfg.Users,
		sessions:    cfg.Sessions,
		teams:       cfg.Teams,
		rules:       cfg.Rules,
		flow:        cfg.Flow,
		auditLogger: cfg.Audit,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		oidcConfig:  cfg.OIDCConfig,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		loginLimit:  cfg.LoginRateLimit,
		readiness:   cfg.Readiness,
	}
}

// RegisterRoutes registers every route. Public endpoints (health, metrics,
// the single sign-on handshake) are unprotected; everything else requires
// a session and, for administration, the admin role.
func (s *Server) RegisterRoutes() {
	slogger := s.logger.Slog()

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	// Single sign-on handshake: public, rate limited per IP.
	loginMW := Middleware(func(next http.Handler) http.Handler { return next })
	if s.loginLimit.Enabled() {
		loginMW = LoginRateLimitMiddleware(s.loginLimit)
	}
	s.mux.HandleFunc("GET /api/v1/auth/oidc/config", s.handleOIDCConfig)
	s.mux.Handle("GET /api/v1/auth/oidc/authorize", loginMW(http.HandlerFunc(s.handleOIDCAuthorize)))
	s.mux.Handle("GET /api/v1/auth/oidc/callback", loginMW(http.HandlerFunc(s.handleOIDCCallback)))

	sessionMW := SessionAuthMiddleware(s.sessions, s.users, true, slogger)
	csrfMW := CSRFMiddleware()
	protect := func(resource, action string, h http.HandlerFunc) http.Handler {
		return ApplyMiddlewares(h, sessionMW, csrfMW, RequirePermissionMiddleware(resource, action, slogger))
	}

	s.mux.Handle("GET /api/v1/auth/me", sessionMW(http.HandlerFunc(s.handleMe)))
	s.mux.Handle("POST /api/v1/auth/logout", ApplyMiddlewares(http.HandlerFunc(s.handleLogout), sessionMW, csrfMW))

	s.mux.Handle("GET /api/v1/auth/oidc/team-rules", protect(auth.ResourceSSO, auth.ActionRead, s.handleListTeamRules))
	s.mux.Handle("POST /api/v1/auth/oidc/team-rules", protect(auth.ResourceSSO, auth.ActionCreate, s.handleCreateTeamRule))
	s.mux.Handle("DELETE /api/v1/auth/oidc/team-rules", protect(auth.ResourceSSO, auth.ActionDelete, s.handleDeleteTeamRule))

	adminOnly := func(h http.HandlerFunc) http.Handler {
		return ApplyMiddlewares(h, sessionMW, csrfMW, RequireRoleMiddleware(auth.RoleAdmin, slogger))
	}
	s.mux.Handle("GET /api/v1/teams", adminOnly(s.handleListTeams))
	s.mux.Handle("POST /api/v1/teams", adminOnly(s.handleCreateTeam))
	s.mux.Handle("GET /api/v1/teams/{id}/members", adminOnly(s.handleListMembers))
	s.mux.Handle("GET /api/v1/audit", adminOnly(s.handleAuditList))
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, detail string) {
	fields := []any{
		"status", code,
		"error", msg,
	}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	if code >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail))
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// writeStoreErr maps a storage-layer error to the appropriate HTTP status code
// and writes the error response.
func (s *Server) writeStoreErr(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeErr(ctx, w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, storage.ErrConflict):
		s.writeErr(ctx, w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, storage.ErrValidation):
		s.writeErr(ctx, w, http.StatusBadRequest, err.Error(), "")
	default:
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

// logAudit records an administrative action by the current user.
func (s *Server) logAudit(ctx context.Context, r *http.Request, action, resourceType, resourceID, resourceName string) {
	actor := "anonymous"
	actorType := audit.ActorTypeAnonymous
	if user := auth.UserFromContext(ctx); user != nil {
		actor = user.Username
		actorType = audit.ActorTypeUser
	}

	err := s.auditLogger.Log(ctx, &audit.AuditEvent{
		Actor:        actor,
		ActorType:    actorType,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ResourceName: resourceName,
		Outcome:      audit.OutcomeSuccess,
		RequestID:    RequestIDFromContext(ctx),
		IPAddress:    clientKey(r),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit log failed", "action", action, "error", err)
	}
}

// appURL resolves an application path against the configured base URL.
func (s *Server) appURL(path string) string {
	return s.baseURL + path
}

// secureRequest reports whether cookies should carry the Secure flag.
func (s *Server) secureRequest(r *http.Request) bool {
	return r.TLS != nil ||
		r.Header.Get("X-Forwarded-Proto") == "https" ||
		strings.HasPrefix(s.baseURL, "https://")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
