package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	testClientID     = "test-client-id"
	testClientSecret = "test-secret-do-not-leak"
	testAccessToken  = "mock-access-token"
	testRedirectURI  = "http://app.example.com/api/v1/auth/oidc/callback"
)

// mockIdP is an in-process identity provider serving discovery, JWKS,
// token and userinfo endpoints. ID tokens are RS256-signed.
type mockIdP struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu              sync.Mutex
	discoveryHits   int
	discoveryStatus int
	docIssuer       string
	tokenStatus     int
	userInfoStatus  int
	noUserInfo      bool
	forgeKey        *rsa.PrivateKey
	nonce           string
	audience        string
	idClaims        map[string]any
	userInfo        map[string]any
	lastTokenForm   url.Values
	lastUserInfoHdr http.Header
}

func newMockIdP(t *testing.T) *mockIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	p := &mockIdP{
		t:        t,
		key:      key,
		audience: testClientID,
		idClaims: map[string]any{},
		userInfo: map[string]any{
			"sub":                "user-123",
			"preferred_username": "Alice",
			"email":              "alice@example.com",
			"groups":             []string{"umami-admin", "developers"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /keys", p.handleKeys)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /userinfo", p.handleUserInfo)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *mockIdP) URL() string { return p.srv.URL }

func (p *mockIdP) config() Config {
	return Config{
		Enabled:      true,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		IssuerURL:    p.srv.URL,
		Scopes:       DefaultScopes,
		RoleClaim:    DefaultRoleClaim,
		AdminGroup:   DefaultAdminGroup,
		AutoCreate:   true,
		DisplayName:  "Test SSO",
	}
}

func (p *mockIdP) set(fn func(p *mockIdP)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *mockIdP) hits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryHits
}

func (p *mockIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.discoveryHits++
	status := p.discoveryStatus
	noUserInfo := p.noUserInfo
	issuer := p.docIssuer
	p.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	if issuer == "" {
		issuer = p.srv.URL
	}
	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                p.srv.URL + "/authorize",
		"token_endpoint":                        p.srv.URL + "/token",
		"jwks_uri":                              p.srv.URL + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"response_types_supported":              []string{"code"},
	}
	if !noUserInfo {
		doc["userinfo_endpoint"] = p.srv.URL + "/userinfo"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *mockIdP) handleKeys(w http.ResponseWriter, r *http.Request) {
	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     "test-key-1",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}

func (p *mockIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.lastTokenForm = r.PostForm
	status := p.tokenStatus
	p.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
		return
	}
	if r.PostForm.Get("client_secret") != testClientSecret {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}

	resp := map[string]any{
		"access_token": testAccessToken,
		"token_type":   "Bearer",
		"id_token":     p.signedIDToken(p.signingKey()),
		"expires_in":   3600,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *mockIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.lastUserInfoHdr = r.Header.Clone()
	status := p.userInfoStatus
	info := maps.Clone(p.userInfo)
	p.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if status != 0 {
		http.Error(w, "boom", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// signingKey is the key ID tokens are signed with: the published key unless
// a test installed forgeKey.
func (p *mockIdP) signingKey() *rsa.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forgeKey != nil {
		return p.forgeKey
	}
	return p.key
}

// signedIDToken builds an ID token from the standard claims, the configured
// nonce and audience, and idClaims.
func (p *mockIdP) signedIDToken(key *rsa.PrivateKey) string {
	p.mu.Lock()
	extra := maps.Clone(p.idClaims)
	nonce := p.nonce
	aud := p.audience
	p.mu.Unlock()

	if nonce != "" {
		extra["nonce"] = nonce
	}
	now := time.Now()
	std := jwt.Claims{
		Issuer:    p.srv.URL,
		Subject:   "user-123",
		Audience:  jwt.Audience{aud},
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
	return signJWT(p.t, key, std, extra)
}

func signJWT(t *testing.T, key *rsa.PrivateKey, std jwt.Claims, extra map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key-1"),
	)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(std).Claims(extra).Serialize()
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return raw
}

func mustState(t *testing.T, secret []byte) string {
	t.Helper()
	s, err := GenerateState(secret)
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	return s
}

func fmtClaims(c Claims) string { return fmt.Sprintf("%v", map[string]any(c)) }
