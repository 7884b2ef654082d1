package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"umamisso/internal/audit"
	"umamisso/internal/teams"
)

type teamRulesResponse struct {
	Rules teams.RuleSet `json:"rules"`
}

type createTeamRuleRequest struct {
	TeamID     string `json:"teamId"`
	ClaimField string `json:"claimField"`
	ClaimValue string `json:"claimValue"`
	TeamRole   string `json:"teamRole"`
}

// handleListTeamRules returns every team's claim rules.
// GET /api/v1/auth/oidc/team-rules
func (s *Server) handleListTeamRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rs, err := s.rules.ListRules(ctx)
	if err != nil {
		s.writeRuleErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, teamRulesResponse{Rules: rs})
}

// handleCreateTeamRule adds a claim rule to a team.
// POST /api/v1/auth/oidc/team-rules
func (s *Server) handleCreateTeamRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.rules.Enabled() {
		s.writeRuleErr(ctx, w, teams.ErrUnavailable)
		return
	}

	var input createTeamRuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&input); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	rule, err := s.rules.AddRule(ctx, input.TeamID, input.ClaimField, input.ClaimValue, input.TeamRole)
	if err != nil {
		s.writeRuleErr(ctx, w, err)
		return
	}

	s.logAudit(ctx, r, audit.ActionRuleCreate, audit.ResourceTeamRule, rule.ID, strings.TrimSpace(input.TeamID))
	writeJSON(w, http.StatusCreated, rule)
}

// handleDeleteTeamRule removes a claim rule.
// DELETE /api/v1/auth/oidc/team-rules?teamId=...&ruleId=...
func (s *Server) handleDeleteTeamRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.rules.Enabled() {
		s.writeRuleErr(ctx, w, teams.ErrUnavailable)
		return
	}

	teamID := strings.TrimSpace(r.URL.Query().Get("teamId"))
	ruleID := strings.TrimSpace(r.URL.Query().Get("ruleId"))
	if teamID == "" || ruleID == "" {
		s.writeErr(ctx, w, http.StatusBadRequest, "teamId and ruleId are required", "")
		return
	}

	removed, err := s.rules.RemoveRule(ctx, teamID, ruleID)
	if err != nil {
		s.writeRuleErr(ctx, w, err)
		return
	}
	if !removed {
		s.writeErr(ctx, w, http.StatusNotFound, "rule not found", "")
		return
	}

	s.logAudit(ctx, r, audit.ActionRuleDelete, audit.ResourceTeamRule, ruleID, teamID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeRuleErr(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, teams.ErrUnavailable):
		s.writeErr(ctx, w, http.StatusServiceUnavailable, "team rules are not available", "no rule store is configured")
	case errors.Is(err, teams.ErrInvalidRule):
		s.writeErr(ctx, w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, teams.ErrTeamNotFound):
		s.writeErr(ctx, w, http.StatusNotFound, "team not found", "")
	case errors.Is(err, teams.ErrConcurrentUpdate):
		s.writeErr(ctx, w, http.StatusConflict, err.Error(), "")
	default:
		s.writeErr(ctx, w, http.StatusInternalServerError, "team rules failed", err.Error())
	}
}
