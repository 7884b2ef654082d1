package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"umamisso/internal/storage"
)

const pgUserColumns = `id, username, role, password_hash, created_at, updated_at, last_login_at, auth_provider, oidc_subject, oidc_issuer`

// PostgresUserStore is a PostgreSQL-backed implementation of UserStore. The
// schema is owned by internal/storage/postgres.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore creates a user store using an existing pool.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

var _ UserStore = (*PostgresUserStore)(nil)

func (s *PostgresUserStore) Create(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidUser
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, role, password_hash, created_at, updated_at, auth_provider, oidc_subject, oidc_issuer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.Username, string(user.Role), user.PasswordHash,
		user.CreatedAt, user.UpdatedAt,
		user.AuthProvider, user.OIDCSubject, user.OIDCIssuer,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return scanPgUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return scanPgUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE username = $1`, username))
}

func (s *PostgresUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgUserColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = nil
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresUserStore) Update(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return ErrUserNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET username = $2, role = $3, password_hash = $4, updated_at = $5
		WHERE id = $1`,
		user.ID, user.Username, string(user.Role), user.PasswordHash, user.UpdatedAt,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresUserStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, t.UTC())
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanPgUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	var lastLoginAt *time.Time
	var authProvider, oidcSubject, oidcIssuer *string
	err := row.Scan(&u.ID, &u.Username, &role, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
		&lastLoginAt, &authProvider, &oidcSubject, &oidcIssuer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.Role = Role(role)
	u.LastLoginAt = lastLoginAt
	if authProvider != nil {
		u.AuthProvider = *authProvider
	}
	if oidcSubject != nil {
		u.OIDCSubject = *oidcSubject
	}
	if oidcIssuer != nil {
		u.OIDCIssuer = *oidcIssuer
	}
	return &u, nil
}
