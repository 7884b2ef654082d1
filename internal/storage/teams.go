package storage

import (
	"context"
	"time"
)

// Team roles understood by the host application.
const (
	TeamRoleOwner    = "team-owner"
	TeamRoleManager  = "team-manager"
	TeamRoleMember   = "team-member"
	TeamRoleViewOnly = "team-view-only"
)

// Team groups users that share websites.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership places a user in a team with a team-scoped role.
type Membership struct {
	TeamID    string    `json:"team_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// TeamStore persists teams and their members. Single sign-on only ever adds
// members; it never changes or removes an existing membership.
type TeamStore interface {
	// CreateTeam stores a new team with a generated ID.
	CreateTeam(ctx context.Context, name string) (*Team, error)

	// GetTeam returns nil, nil if the team does not exist.
	GetTeam(ctx context.Context, id string) (*Team, error)

	ListTeams(ctx context.Context) ([]Team, error)

	// GetMembership returns nil, nil if the user is not in the team.
	GetMembership(ctx context.Context, teamID, userID string) (*Membership, error)

	// AddMember returns ErrNotFound for an unknown team and ErrConflict when
	// the user is already a member.
	AddMember(ctx context.Context, m Membership) error

	ListMembers(ctx context.Context, teamID string) ([]Membership, error)
}
