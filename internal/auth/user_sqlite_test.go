package auth_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"umamisso/internal/auth"
	"umamisso/internal/storage/sqlite"
)

func TestSQLiteUserStore(t *testing.T) {
	db, err := sqlite.New("file:" + filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := auth.NewSQLiteUserStore(db.DB())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	u := &auth.User{
		ID:           "u1",
		Username:     "alice",
		Role:         auth.RoleUser,
		PasswordHash: []byte("hash"),
		CreatedAt:    now,
		UpdatedAt:    now,
		AuthProvider: auth.AuthProviderOIDC,
		OIDCSubject:  "sub-1",
		OIDCIssuer:   "https://idp.example.com",
	}
	if err := store.Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, &auth.User{ID: "u2", Username: "alice", CreatedAt: now, UpdatedAt: now}); !errors.Is(err, auth.ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
	if err := store.Create(ctx, &auth.User{ID: "u3", Username: "bob", Role: auth.RoleAdmin, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("Create bob: %v", err)
	}

	got, err := store.GetByUsername(ctx, "alice")
	if err != nil || got == nil {
		t.Fatalf("GetByUsername = %+v, %v", got, err)
	}
	if got.OIDCSubject != "sub-1" || got.AuthProvider != auth.AuthProviderOIDC || !got.CreatedAt.Equal(now) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if missing, err := store.GetByID(ctx, "nope"); missing != nil || err != nil {
		t.Errorf("GetByID(nope) = %+v, %v", missing, err)
	}

	got.Username = "bob"
	if err := store.Update(ctx, got); !errors.Is(err, auth.ErrUserExists) {
		t.Errorf("rename conflict: expected ErrUserExists, got %v", err)
	}
	got.Username = "alice@example.com"
	got.Role = auth.RoleAdmin
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	renamed, _ := store.GetByID(ctx, "u1")
	if renamed.Username != "alice@example.com" || renamed.Role != auth.RoleAdmin {
		t.Errorf("update not persisted: %+v", renamed)
	}

	if err := store.UpdateLastLogin(ctx, "u1", now); err != nil {
		t.Fatalf("UpdateLastLogin: %v", err)
	}
	if err := store.UpdateLastLogin(ctx, "nope", now); !errors.Is(err, auth.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	renamed, _ = store.GetByID(ctx, "u1")
	if renamed.LastLoginAt == nil || !renamed.LastLoginAt.Equal(now) {
		t.Errorf("LastLoginAt = %v", renamed.LastLoginAt)
	}

	list, err := store.List(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("List = %+v, %v", list, err)
	}
	for _, u := range list {
		if u.PasswordHash != nil {
			t.Error("List must not return password hashes")
		}
	}
}
