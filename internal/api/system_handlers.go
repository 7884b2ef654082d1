package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"umamisso/internal/audit"
)

// readinessTimeout bounds each dependency ping.
const readinessTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.oidcConfig()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"sso_enabled": cfg.Enabled,
		"team_rules":  s.rules.Enabled(),
	})
}

// ReadinessResponse represents the JSON response for the readiness check endpoint.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReady checks if the application is ready to accept traffic.
// Unlike /healthz (liveness), this endpoint verifies that dependencies are accessible.
// Returns 200 OK if all checks pass, 503 Service Unavailable otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]string, len(s.readiness))
	status := "ok"

	for _, c := range s.readiness {
		pingCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
		err := c.Ping(pingCtx)
		cancel()
		if err != nil {
			checks[c.Name] = "error"
			status = "unhealthy"
			s.logger.ErrorContext(ctx, "readiness check failed", "check", c.Name, "error", err.Error())
			continue
		}
		checks[c.Name] = "ok"
	}

	resp := ReadinessResponse{
		Status: status,
		Checks: checks,
	}

	if status == "ok" {
		writeJSON(w, http.StatusOK, resp)
	} else {
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

// handleAuditList returns recorded logins, provisioning and rule changes.
// GET /api/v1/audit
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	offset := 0
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	opts := audit.ListOptions{
		Limit:        limit,
		Offset:       offset,
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		Outcome:      q.Get("outcome"),
	}

	events, total, err := s.auditLogger.List(r.Context(), opts)
	if err != nil {
		s.writeErr(r.Context(), w, http.StatusInternalServerError, "failed to list audit events", err.Error())
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
