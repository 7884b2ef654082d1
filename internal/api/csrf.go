package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

const (
	csrfTokenLength = 32
	csrfHeaderName  = "X-CSRF-Token"
	csrfCookieName  = "csrf_token"
)

// CSRFMiddleware adds double-submit CSRF protection for cookie-authenticated
// state-changing requests. Requests that carry the session as a bearer token
// are exempt: the browser never attaches that header on its own.
func CSRFMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				if _, err := r.Cookie(csrfCookieName); err != nil {
					http.SetCookie(w, &http.Cookie{
						Name:     csrfCookieName,
						Value:    generateCSRFToken(),
						Path:     "/",
						HttpOnly: false, // JS needs to read it
						Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
						SameSite: http.SameSiteLaxMode,
					})
				}
				next.ServeHTTP(w, r)
				return
			}

			if _, err := r.Cookie(SessionCookieName); err != nil {
				if _, ok := bearerToken(r); ok {
					next.ServeHTTP(w, r)
					return
				}
			}

			cookie, err := r.Cookie(csrfCookieName)
			if err != nil || cookie.Value == "" {
				writeJSON(w, http.StatusForbidden, apiError{Error: "CSRF token missing", Detail: "csrf_token cookie required"})
				return
			}
			headerToken := r.Header.Get(csrfHeaderName)
			if headerToken == "" || subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookie.Value)) != 1 {
				writeJSON(w, http.StatusForbidden, apiError{Error: "CSRF token invalid", Detail: "X-CSRF-Token header must match csrf_token cookie"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func generateCSRFToken() string {
	b := make([]byte, csrfTokenLength)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
