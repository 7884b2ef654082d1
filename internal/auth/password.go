package auth

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
}

// PlaceholderPasswordHash returns the hash of a random secret nobody knows.
// SSO-only accounts store it so the password column is never empty and no
// password login can succeed against them.
func PlaceholderPasswordHash() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return HashPassword(hex.EncodeToString(b))
}
