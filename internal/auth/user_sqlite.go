package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"umamisso/internal/storage"
)

const sqliteUserColumns = `id, username, role, password_hash, created_at, updated_at, last_login_at, auth_provider, oidc_subject, oidc_issuer`

// SQLiteUserStore is a SQLite-backed implementation of UserStore. The schema
// is owned by internal/storage/sqlite.
type SQLiteUserStore struct {
	db *sql.DB
}

// NewSQLiteUserStore creates a store on an already migrated connection.
func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{db: db}
}

var _ UserStore = (*SQLiteUserStore)(nil)

func (s *SQLiteUserStore) Create(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, role, password_hash, created_at, updated_at, auth_provider, oidc_subject, oidc_issuer)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID, user.Username, string(user.Role), user.PasswordHash,
		user.CreatedAt.Format(time.RFC3339Nano), user.UpdatedAt.Format(time.RFC3339Nano),
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

func (s *SQLiteUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE username = ?`, username))
}

func (s *SQLiteUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteUserColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = nil
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteUserStore) Update(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return ErrUserNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET username = ?, role = ?, password_hash = ?, updated_at = ?
		WHERE id = ?
	`,
		user.Username, string(user.Role), user.PasswordHash,
		user.UpdatedAt.Format(time.RFC3339Nano), user.ID,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteUserStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`,
		t.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (*User, error) {
	var (
		u                    User
		role                 string
		createdAt, updatedAt string
		lastLoginAt          sql.NullString
		authProvider         sql.NullString
		oidcSubject          sql.NullString
		oidcIssuer           sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &role, &u.PasswordHash, &createdAt, &updatedAt,
		&lastLoginAt, &authProvider, &oidcSubject, &oidcIssuer)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.Role = Role(role)
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastLoginAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastLoginAt.String)
		u.LastLoginAt = &t
	}
	u.AuthProvider = authProvider.String
	u.OIDCSubject = oidcSubject.String
	u.OIDCIssuer = oidcIssuer.String
	return &u, nil
}
