package api

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"umamisso/internal/auth"
	"umamisso/internal/observability"
)

const (
	requestIDHeader        = "X-Request-ID"
	maxRequestIDLength     = 64
	rateLimiterVisitorTTL  = 5 * time.Minute
	defaultRateLimitRPS    = 100.0
	defaultRateLimitBurst  = 200
	minimumCleanupInterval = 30 * time.Second

	// SessionCookieName holds the session ID for browser requests.
	SessionCookieName = "session"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// ApplyMiddlewares applies the provided middleware in order, where the first middleware
// in the list is the outermost handler.
func ApplyMiddlewares(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RateLimitConfig configures the token bucket rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	ProxyConfig       *TrustedProxyConfig
}

// Enabled reports whether rate limiting should be enforced.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.Burst > 0
}

// DefaultRateLimitConfig returns 100 RPS with a burst of 200.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: defaultRateLimitRPS,
		Burst:             defaultRateLimitBurst,
	}
}

// RequestIDMiddleware ensures every request carries a stable request ID.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx := WithRequestID(r.Context(), requestID)
			r = r.WithContext(ctx)
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r)
		})
	}
}

func sanitizeRequestID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxRequestIDLength {
		return ""
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ""
		}
	}
	return id
}

// LoggingMiddleware records structured request logs and wires Sentry tracing.
// Query strings are never logged: the callback carries the authorization code.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub().Clone()
				ctx = sentry.SetHubOnContext(ctx, hub)
				r = r.WithContext(ctx)
			}

			transaction := sentry.StartTransaction(
				ctx,
				fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				sentry.WithOpName("http.server"),
				sentry.ContinueFromRequest(r),
				sentry.WithTransactionSource(sentry.SourceURL),
			)
			defer transaction.Finish()
			r = r.WithContext(transaction.Context())
			ctx = r.Context()

			hub.Scope().SetContext("request", map[string]any{
				"path":   r.URL.Path,
				"method": r.Method,
			})

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			var panicRecovered any

			defer func() {
				if rec := recover(); rec != nil {
					panicRecovered = rec
					transaction.Status = sentry.SpanStatusInternalError
					hub.RecoverWithContext(ctx, rec)
					attrs := appendRequestID(ctx, []any{
						"method", r.Method,
						"path", r.URL.Path,
					})
					attrs = append(attrs, "panic", rec)
					logger.ErrorContext(ctx, "panic recovered", attrs...)
					writeJSON(recorder, http.StatusInternalServerError, apiError{Error: "internal server error"})
				}
			}()

			next.ServeHTTP(recorder, r)

			if panicRecovered != nil {
				return
			}

			transaction.Status = sentry.HTTPtoSpanStatus(recorder.status)
			duration := time.Since(start)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				"duration_ms", duration.Milliseconds(),
			}
			attrs = appendRequestID(r.Context(), attrs)

			switch {
			case recorder.status >= 500:
				logger.ErrorContext(r.Context(), "request completed", attrs...)
			case recorder.status >= 400:
				logger.WarnContext(r.Context(), "request completed", attrs...)
			default:
				logger.InfoContext(r.Context(), "request completed", attrs...)
			}
		})
	}
}

// limiterSet hands out one token bucket per client key and forgets clients
// idle for longer than ttl.
type limiterSet struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	ttl         time.Duration
	visitors    map[string]*clientLimiter
	lastCleanup time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(limit rate.Limit, burst int, ttl time.Duration) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		ttl:      ttl,
		visitors: make(map[string]*clientLimiter),
	}
}

func (ls *limiterSet) get(key string, now time.Time) *rate.Limiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	v, ok := ls.visitors[key]
	if !ok {
		v = &clientLimiter{limiter: rate.NewLimiter(ls.limit, ls.burst)}
		ls.visitors[key] = v
	}
	v.lastSeen = now

	if ls.lastCleanup.IsZero() || now.Sub(ls.lastCleanup) > minimumCleanupInterval {
		for k, c := range ls.visitors {
			if now.Sub(c.lastSeen) > ls.ttl {
				delete(ls.visitors, k)
			}
		}
		ls.lastCleanup = now
	}
	return v.limiter
}

// RateLimitMiddleware enforces per-client rate limiting using a token bucket.
// It adds the following headers to all responses:
//   - X-RateLimit-Limit: maximum requests per second
//   - X-RateLimit-Remaining: approximate remaining tokens
//   - X-RateLimit-Reset: Unix timestamp when a token will be available
//
// When the rate limit is exceeded, it returns 429 Too Many Requests with a Retry-After header.
func RateLimitMiddleware(cfg RateLimitConfig, metrics *observability.Metrics, logger *slog.Logger) Middleware {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiters := newLimiterSet(rate.Limit(cfg.RequestsPerSecond), cfg.Burst, rateLimiterVisitorTTL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			limiter := limiters.get(clientKeyWithProxies(r, cfg.ProxyConfig), now)

			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64))
			remaining := max(int(math.Floor(limiter.TokensAt(now))), 0)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			resetTime := now.Add(time.Duration(float64(time.Second) / cfg.RequestsPerSecond))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !limiter.AllowN(now, 1) {
				metrics.RecordRateLimitRejected()
				attrs := appendRequestID(r.Context(), []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", http.StatusTooManyRequests,
				})
				logger.WarnContext(r.Context(), "rate limit exceeded", attrs...)
				retryAfter := max(int(math.Ceil(1/cfg.RequestsPerSecond)), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many requests"})
				return
			}
			metrics.RecordRateLimitAllowed()

			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	return clientKeyWithProxies(r, nil)
}

// TrustedProxyConfig holds trusted proxy CIDR list for X-Forwarded-For handling.
type TrustedProxyConfig struct {
	CIDRs []netip.Prefix
}

// ParseTrustedProxies parses a comma-separated list of CIDRs.
func ParseTrustedProxies(raw string) (*TrustedProxyConfig, error) {
	if raw == "" {
		return &TrustedProxyConfig{}, nil
	}
	var cidrs []netip.Prefix
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", s, err)
		}
		cidrs = append(cidrs, prefix)
	}
	return &TrustedProxyConfig{CIDRs: cidrs}, nil
}

// IsTrusted checks if the remote address is from a trusted proxy.
func (tc *TrustedProxyConfig) IsTrusted(remoteAddr string) bool {
	if tc == nil || len(tc.CIDRs) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, cidr := range tc.CIDRs {
		if cidr.Contains(addr) {
			return true
		}
	}
	return false
}

// clientKeyWithProxies extracts the client IP, only trusting X-Forwarded-For from trusted proxies.
func clientKeyWithProxies(r *http.Request, proxies *TrustedProxyConfig) string {
	if proxies != nil && proxies.IsTrusted(r.RemoteAddr) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LoginRateLimitConfig configures per-IP rate limiting of the single
// sign-on handshake.
type LoginRateLimitConfig struct {
	AttemptsPerMinute int
	ProxyConfig       *TrustedProxyConfig
}

// Enabled reports whether login attempts are limited.
func (c LoginRateLimitConfig) Enabled() bool {
	return c.AttemptsPerMinute > 0
}

// LoginRateLimitMiddleware wraps a handler with per-IP login rate limiting.
func LoginRateLimitMiddleware(cfg LoginRateLimitConfig) Middleware {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	limiters := newLimiterSet(rate.Limit(float64(cfg.AttemptsPerMinute)/60.0), cfg.AttemptsPerMinute, 10*time.Minute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientKeyWithProxies(r, cfg.ProxyConfig)
			if !limiters.get(ip, time.Now()).Allow() {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many login attempts", Detail: "try again later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionAuthMiddleware authenticates requests by session ID, taken from the
// session cookie or from an "Authorization: Bearer" header. The bearer form
// is what the frontend sends after picking up the bridge cookie set by the
// single sign-on callback.
// If required is false, unauthenticated requests pass through untouched.
func SessionAuthMiddleware(sessions auth.SessionStore, users auth.UserStore, required bool, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			id := sessionIDFromRequest(r)
			if id == "" {
				if required {
					logAuthFailure(logger, r, "missing authentication")
					writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized", Detail: "missing authentication"})
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			session, err := sessions.Get(ctx, id)
			if err != nil && !errors.Is(err, auth.ErrSessionExpired) {
				logAuthError(logger, r, "session store error", err)
				writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
				return
			}
			if session == nil || !session.IsValid() {
				if required {
					logAuthFailure(logger, r, "invalid or expired session")
					writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized", Detail: "session expired"})
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.GetByID(ctx, session.UserID)
			if err != nil {
				logAuthError(logger, r, "user store error", err)
				writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
				return
			}
			if user == nil {
				logAuthFailure(logger, r, "session user no longer exists")
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized", Detail: "account not found"})
				return
			}

			ctx = auth.ContextWithSession(ctx, session)
			ctx = auth.ContextWithUser(ctx, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token, ok := bearerToken(r); ok {
		return token
	}
	return ""
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

func logAuthFailure(logger *slog.Logger, r *http.Request, reason string) {
	attrs := appendRequestID(r.Context(), []any{
		"method", r.Method,
		"path", r.URL.Path,
		"reason", reason,
	})
	logger.WarnContext(r.Context(), "authentication failed", attrs...)
}

func logAuthError(logger *slog.Logger, r *http.Request, msg string, err error) {
	attrs := appendRequestID(r.Context(), []any{
		"method", r.Method,
		"path", r.URL.Path,
		"error", err.Error(),
	})
	logger.ErrorContext(r.Context(), msg, attrs...)
}

// RequirePermissionMiddleware returns 401 for anonymous callers and 403
// unless the caller's role grants action on resource.
// Must be used after SessionAuthMiddleware.
func RequirePermissionMiddleware(resource, action string, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			role := auth.GetEffectiveRole(ctx)
			if role == auth.RoleNone {
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
				return
			}

			if !auth.HasPermission(role, resource, action) {
				attrs := appendRequestID(ctx, []any{
					"method", r.Method,
					"path", r.URL.Path,
					"role", string(role),
					"required_resource", resource,
					"required_action", action,
				})
				logger.WarnContext(ctx, "authorization denied", attrs...)

				// Generic message: don't leak permission details.
				writeJSON(w, http.StatusForbidden, apiError{Error: "forbidden"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRoleMiddleware returns middleware that checks for a minimum role level.
// Must be used after SessionAuthMiddleware.
func RequireRoleMiddleware(minRole auth.Role, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	// higher = more privilege
	roleLevel := map[auth.Role]int{
		auth.RoleNone:     0,
		auth.RoleViewOnly: 1,
		auth.RoleUser:     2,
		auth.RoleAdmin:    3,
	}
	minLevel := roleLevel[minRole]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			role := auth.GetEffectiveRole(ctx)
			if role == auth.RoleNone {
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
				return
			}

			if roleLevel[role] < minLevel {
				attrs := appendRequestID(ctx, []any{
					"method", r.Method,
					"path", r.URL.Path,
					"role", string(role),
					"required_role", string(minRole),
				})
				logger.WarnContext(ctx, "insufficient role", attrs...)
				writeJSON(w, http.StatusForbidden, apiError{Error: "forbidden"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
