package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTeamStore is an in-memory TeamStore.
type MemoryTeamStore struct {
	mu      sync.RWMutex
	teams   map[string]Team
	members map[string]map[string]Membership // team ID -> user ID
}

// NewMemoryTeamStore creates an empty in-memory team store.
func NewMemoryTeamStore() *MemoryTeamStore {
	return &MemoryTeamStore{
		teams:   make(map[string]Team),
		members: make(map[string]map[string]Membership),
	}
}

var _ TeamStore = (*MemoryTeamStore)(nil)

func (s *MemoryTeamStore) CreateTeam(_ context.Context, name string) (*Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: team name is required", ErrValidation)
	}
	t := Team{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}

	s.mu.Lock()
	s.teams[t.ID] = t
	s.mu.Unlock()
	return &t, nil
}

func (s *MemoryTeamStore) GetTeam(_ context.Context, id string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *MemoryTeamStore) ListTeams(_ context.Context) ([]Team, error) {
	s.mu.RLock()
	out := make([]Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryTeamStore) GetMembership(_ context.Context, teamID, userID string) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[teamID][userID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryTeamStore) AddMember(_ context.Context, m Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.teams[m.TeamID]; !ok {
		return fmt.Errorf("team %s: %w", m.TeamID, ErrNotFound)
	}
	if _, ok := s.members[m.TeamID][m.UserID]; ok {
		return fmt.Errorf("user %s already in team %s: %w", m.UserID, m.TeamID, ErrConflict)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if s.members[m.TeamID] == nil {
		s.members[m.TeamID] = make(map[string]Membership)
	}
	s.members[m.TeamID][m.UserID] = m
	return nil
}

func (s *MemoryTeamStore) ListMembers(_ context.Context, teamID string) ([]Membership, error) {
	s.mu.RLock()
	out := make([]Membership, 0, len(s.members[teamID]))
	for _, m := range s.members[teamID] {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
