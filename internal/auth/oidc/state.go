package oidc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultStateMaxAge bounds how long a login may take between the redirect
// to the provider and the callback.
const DefaultStateMaxAge = 10 * time.Minute

const (
	stateNonceBytes = 16
	stateSigHexLen  = 16
)

// now is swapped in tests.
var now = time.Now

// GenerateState returns "<base36 unix-ms>.<32 hex>.<16 hex HMAC prefix>".
func GenerateState(secret []byte) (string, error) {
	buf := make([]byte, stateNonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	ts := strconv.FormatInt(now().UnixMilli(), 36)
	nonce := hex.EncodeToString(buf)
	return ts + "." + nonce + "." + signState(secret, ts, nonce), nil
}

// VerifyState checks the signature and age of a state produced by
// GenerateState. States older than maxAge are rejected; a negative maxAge
// rejects everything.
func VerifyState(state string, secret []byte, maxAge time.Duration) bool {
	if maxAge < 0 {
		return false
	}
	parts := strings.Split(state, ".")
	if len(parts) != 3 {
		return false
	}
	ts, nonce, sig := parts[0], parts[1], parts[2]
	if ts == "" || nonce == "" {
		return false
	}

	want := signState(secret, ts, nonce)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return false
	}

	ms, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return false
	}
	age := now().UnixMilli() - ms
	return age <= maxAge.Milliseconds()
}

// GenerateNonce returns 16 random bytes as 32 lowercase hex characters.
func GenerateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func signState(secret []byte, ts, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + nonce))
	return hex.EncodeToString(mac.Sum(nil))[:stateSigHexLen]
}
