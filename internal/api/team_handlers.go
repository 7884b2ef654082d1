package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"umamisso/internal/audit"
	"umamisso/internal/storage"
	"umamisso/internal/validation"
)

// handleListTeams returns every team.
// GET /api/v1/teams
func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.teams == nil {
		s.writeErr(ctx, w, http.StatusServiceUnavailable, "teams are not available", "")
		return
	}
	list, err := s.teams.ListTeams(ctx)
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	if list == nil {
		list = []storage.Team{}
	}
	writeJSON(w, http.StatusOK, struct {
		Teams []storage.Team `json:"teams"`
	}{Teams: list})
}

// handleCreateTeam creates a team that claim rules can then target.
// POST /api/v1/teams
func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.teams == nil {
		s.writeErr(ctx, w, http.StatusServiceUnavailable, "teams are not available", "")
		return
	}

	var input struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&input); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := validation.ValidateName(input.Name); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid team name", err.Error())
		return
	}

	team, err := s.teams.CreateTeam(ctx, strings.TrimSpace(input.Name))
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}

	s.logAudit(ctx, r, audit.ActionTeamCreate, audit.ResourceTeam, team.ID, team.Name)
	writeJSON(w, http.StatusCreated, team)
}

// handleListMembers returns a team's members.
// GET /api/v1/teams/{id}/members
func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.teams == nil {
		s.writeErr(ctx, w, http.StatusServiceUnavailable, "teams are not available", "")
		return
	}

	id := r.PathValue("id")
	team, err := s.teams.GetTeam(ctx, id)
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	if team == nil {
		s.writeErr(ctx, w, http.StatusNotFound, "team not found", "")
		return
	}

	members, err := s.teams.ListMembers(ctx, id)
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	if members == nil {
		members = []storage.Membership{}
	}
	writeJSON(w, http.StatusOK, struct {
		Team    *storage.Team        `json:"team"`
		Members []storage.Membership `json:"members"`
	}{Team: team, Members: members})
}
