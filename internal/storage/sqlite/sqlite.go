// Package sqlite stores users and teams in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"github.com/google/uuid"

	"umamisso/internal/storage"
)

// Store implements storage.TeamStore and hands its connection to
// auth.SQLiteUserStore so both share one database file.
type Store struct {
	db *sql.DB
}

var _ storage.TeamStore = (*Store)(nil)

// New opens dsn and applies pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateTeam(ctx context.Context, name string) (*storage.Team, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: team name is required", storage.ErrValidation)
	}
	t := storage.Team{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO teams (id, name, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert team: %w", storage.WrapIfConflict(err))
	}
	return &t, nil
}

func (s *Store) GetTeam(ctx context.Context, id string) (*storage.Team, error) {
	var (
		t  storage.Team
		ts string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM teams WHERE id = ?`, id).Scan(&t.ID, &t.Name, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return &t, nil
}

func (s *Store) ListTeams(ctx context.Context) ([]storage.Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM teams ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []storage.Team
	for rows.Next() {
		var (
			t  storage.Team
			ts string
		)
		if err := rows.Scan(&t.ID, &t.Name, &ts); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetMembership(ctx context.Context, teamID, userID string) (*storage.Membership, error) {
	var (
		m  storage.Membership
		ts string
	)
	err := s.db.QueryRowContext(ctx, `SELECT team_id, user_id, role, created_at FROM team_users WHERE team_id = ? AND user_id = ?`,
		teamID, userID).Scan(&m.TeamID, &m.UserID, &m.Role, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
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
	_, err = s.db.ExecContext(ctx, `INSERT INTO team_users (team_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
		m.TeamID, m.UserID, m.Role, m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add member: %w", storage.WrapIfConflict(err))
	}
	return nil
}

func (s *Store) ListMembers(ctx context.Context, teamID string) ([]storage.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT team_id, user_id, role, created_at FROM team_users WHERE team_id = ? ORDER BY user_id ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []storage.Membership
	for rows.Next() {
		var (
			m  storage.Membership
			ts string
		)
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role, &ts); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
