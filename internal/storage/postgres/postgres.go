// Package postgres stores users and teams in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"umamisso/internal/storage"
)

// Store implements storage.TeamStore backed by PostgreSQL. Its pool is shared
// with auth.PostgresUserStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.TeamStore = (*Store)(nil)

// New connects to connStr and applies pending migrations.
func New(ctx context.Context, connStr string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool returns the underlying pgxpool for shared access.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) CreateTeam(ctx context.Context, name string) (*storage.Team, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: team name is required", storage.ErrValidation)
	}
	t := storage.Team{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	if _, err := s.pool.Exec(ctx, `INSERT INTO teams (id, name, created_at) VALUES ($1, $2, $3)`, t.ID, t.Name, t.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert team: %w", storage.WrapIfConflict(err))
	}
	return &t, nil
}

func (s *Store) GetTeam(ctx context.Context, id string) (*storage.Team, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	var t storage.Team
	err := s.pool.QueryRow(ctx, `SELECT id::text, name, created_at FROM teams WHERE id = $1`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get team: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTeams(ctx context.Context) ([]storage.Team, error) {
	rows, err := s.pool.Query(ctx, `SELECT id::text, name, created_at FROM teams ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []storage.Team
	for rows.Next() {
		var t storage.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetMembership(ctx context.Context, teamID, userID string) (*storage.Membership, error) {
	if _, err := uuid.Parse(teamID); err != nil {
		return nil, nil
	}
	var m storage.Membership
	err := s.pool.QueryRow(ctx, `SELECT team_id::text, user_id, role, created_at FROM team_users WHERE team_id = $1 AND user_id = $2`,
		teamID, userID).Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &m, nil
}

func (s *Store) AddMember(ctx context.Context, m storage.Membership) error {
	team, err := s.GetTeam(ctx, m.TeamID)
	if err != nil {
		return err
	}
	if team == nil {
		return fmt.Errorf("team %s: %w", m.TeamID, storage.ErrNotFound)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO team_users (team_id, user_id, role, created_at) VALUES ($1, $2, $3, $4)`,
		m.TeamID, m.UserID, m.Role, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("add member: %w", storage.WrapIfConflict(err))
	}
	return nil
}

func (s *Store) ListMembers(ctx context.Context, teamID string) ([]storage.Membership, error) {
	if _, err := uuid.Parse(teamID); err != nil {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT team_id::text, user_id, role, created_at FROM team_users WHERE team_id = $1 ORDER BY user_id ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []storage.Membership
	for rows.Next() {
		var m storage.Membership
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
