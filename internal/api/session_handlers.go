package api

import (
	"net/http"
	"time"

	"umamisso/internal/audit"
	"umamisso/internal/auth"
)

type meResponse struct {
	User      *auth.User `json:"user"`
	ExpiresAt time.Time  `json:"expires_at"`
	Provider  string     `json:"provider,omitempty"`
}

// handleMe returns the authenticated user.
// GET /api/v1/auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	session := auth.SessionFromContext(ctx)
	if user == nil || session == nil {
		s.writeErr(ctx, w, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:      user,
		ExpiresAt: session.ExpiresAt,
		Provider:  session.Metadata[auth.SessionMetaProvider],
	})
}

// handleLogout deletes the local session. The identity provider session is
// left alone.
// POST /api/v1/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if session := auth.SessionFromContext(ctx); session != nil {
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.writeErr(ctx, w, http.StatusInternalServerError, "logout failed", err.Error())
			return
		}
		name := ""
		if user := auth.UserFromContext(ctx); user != nil {
			name = user.Username
		}
		s.logAudit(ctx, r, audit.ActionLogout, audit.ResourceSession, session.UserID, name)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}
