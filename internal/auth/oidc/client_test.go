package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestAuthorizationURL(t *testing.T) {
	idp := newMockIdP(t)
	client := NewClient(idp.config(), nil, nil)

	raw, err := client.AuthorizationURL(context.Background(), "state-1", "nonce-1", testRedirectURI)
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != idp.URL()+"/authorize" {
		t.Errorf("endpoint = %q", got)
	}

	q := u.Query()
	want := map[string]string{
		"client_id":     testClientID,
		"response_type": "code",
		"scope":         "openid profile email",
		"redirect_uri":  testRedirectURI,
		"state":         "state-1",
		"nonce":         "nonce-1",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if strings.Contains(raw, testClientSecret) {
		t.Error("authorization URL must not carry the client secret")
	}
}

func TestAuthorizationURL_DiscoveryFailure(t *testing.T) {
	idp := newMockIdP(t)
	idp.set(func(p *mockIdP) { p.discoveryStatus = http.StatusNotFound })

	_, err := NewClient(idp.config(), nil, nil).AuthorizationURL(context.Background(), "s", "n", testRedirectURI)
	var de *DiscoveryError
	if !errors.As(err, &de) || de.StatusCode != http.StatusNotFound {
		t.Errorf("expected DiscoveryError 404, got %v", err)
	}
}

func TestExchangeCode(t *testing.T) {
	idp := newMockIdP(t)
	client := NewClient(idp.config(), nil, nil)

	tok, err := client.ExchangeCode(context.Background(), "auth-code-1", testRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok.AccessToken != testAccessToken || tok.TokenType != "Bearer" || tok.IDToken == "" {
		t.Errorf("unexpected token response %+v", tok)
	}
	if tok.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", tok.ExpiresIn)
	}

	idp.mu.Lock()
	form := idp.lastTokenForm
	idp.mu.Unlock()
	want := map[string]string{
		"grant_type":    "authorization_code",
		"code":          "auth-code-1",
		"redirect_uri":  testRedirectURI,
		"client_id":     testClientID,
		"client_secret": testClientSecret,
	}
	for k, v := range want {
		if form.Get(k) != v {
			t.Errorf("form %s = %q, want %q", k, form.Get(k), v)
		}
	}
}

func TestExchangeCode_Rejected(t *testing.T) {
	idp := newMockIdP(t)
	idp.set(func(p *mockIdP) { p.tokenStatus = http.StatusBadRequest })

	_, err := NewClient(idp.config(), nil, nil).ExchangeCode(context.Background(), "expired", testRedirectURI)
	var te *TokenExchangeError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TokenExchangeError, got %v", err)
	}
	if te.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", te.StatusCode)
	}
	if !strings.Contains(te.Body, "invalid_grant") {
		t.Errorf("Body = %q, want provider response", te.Body)
	}
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Error("expected errors.Is(err, ErrTokenExchangeFailed)")
	}
	if strings.Contains(err.Error(), testClientSecret) {
		t.Error("error text must not contain the client secret")
	}
}

func TestExchangeCode_InvalidatesDiscovery(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantFetch int
	}{
		{name: "bad code keeps cache", status: http.StatusBadRequest, wantFetch: 1},
		{name: "missing endpoint refetches", status: http.StatusNotFound, wantFetch: 2},
		{name: "gone endpoint refetches", status: http.StatusGone, wantFetch: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := newMockIdP(t)
			cache := NewDiscoveryCache(nil)
			client := NewClient(idp.config(), cache, nil)
			ctx := context.Background()

			idp.set(func(p *mockIdP) { p.tokenStatus = tt.status })
			if _, err := client.ExchangeCode(ctx, "code", testRedirectURI); err == nil {
				t.Fatal("expected exchange error")
			}
			if _, err := cache.Get(ctx, idp.URL()); err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got := idp.hits(); got != tt.wantFetch {
				t.Errorf("discovery fetched %d times, want %d", got, tt.wantFetch)
			}
		})
	}
}

func TestUserInfo_MissingEndpointInvalidatesDiscovery(t *testing.T) {
	idp := newMockIdP(t)
	cache := NewDiscoveryCache(nil)
	client := NewClient(idp.config(), cache, nil)
	ctx := context.Background()

	idp.set(func(p *mockIdP) { p.userInfoStatus = http.StatusNotFound })
	if _, err := client.UserInfo(ctx, testAccessToken); err == nil {
		t.Fatal("expected userinfo error")
	}
	idp.set(func(p *mockIdP) { p.userInfoStatus = 0 })
	if _, err := client.UserInfo(ctx, testAccessToken); err != nil {
		t.Fatalf("UserInfo after rediscovery: %v", err)
	}
	if got := idp.hits(); got != 2 {
		t.Errorf("discovery fetched %d times, want 2", got)
	}
}

func TestUserInfo(t *testing.T) {
	idp := newMockIdP(t)
	claims, err := NewClient(idp.config(), nil, nil).UserInfo(context.Background(), testAccessToken)
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if claims.String("email") != "alice@example.com" {
		t.Errorf("unexpected claims %s", fmtClaims(claims))
	}
	if groups, _ := claims["groups"].([]any); len(groups) != 2 {
		t.Errorf("groups = %v", claims["groups"])
	}
}

func TestUserInfo_Errors(t *testing.T) {
	t.Run("bad token", func(t *testing.T) {
		idp := newMockIdP(t)
		_, err := NewClient(idp.config(), nil, nil).UserInfo(context.Background(), "wrong")
		var ue *UserInfoError
		if !errors.As(err, &ue) || ue.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected UserInfoError 401, got %v", err)
		}
		if !errors.Is(err, ErrUserInfoFailed) {
			t.Error("expected errors.Is(err, ErrUserInfoFailed)")
		}
	})

	t.Run("server error", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.set(func(p *mockIdP) { p.userInfoStatus = http.StatusBadGateway })
		_, err := NewClient(idp.config(), nil, nil).UserInfo(context.Background(), testAccessToken)
		var ue *UserInfoError
		if !errors.As(err, &ue) || ue.StatusCode != http.StatusBadGateway {
			t.Errorf("expected UserInfoError 502, got %v", err)
		}
	})

	t.Run("no endpoint", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.set(func(p *mockIdP) { p.noUserInfo = true })
		_, err := NewClient(idp.config(), nil, nil).UserInfo(context.Background(), testAccessToken)
		var ue *UserInfoError
		if !errors.As(err, &ue) || ue.StatusCode != 0 {
			t.Errorf("expected UserInfoError without status, got %v", err)
		}
	})
}

func TestVerifyIDToken(t *testing.T) {
	ctx := context.Background()

	idToken := func(t *testing.T, idp *mockIdP) string {
		t.Helper()
		tok, err := NewClient(idp.config(), nil, nil).ExchangeCode(ctx, "code", testRedirectURI)
		if err != nil {
			t.Fatalf("ExchangeCode: %v", err)
		}
		return tok.IDToken
	}

	t.Run("valid", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.set(func(p *mockIdP) { p.nonce = "expected-nonce" })
		raw := idToken(t, idp)
		if err := NewClient(idp.config(), nil, nil).VerifyIDToken(ctx, raw, "expected-nonce"); err != nil {
			t.Errorf("VerifyIDToken: %v", err)
		}
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.set(func(p *mockIdP) { p.nonce = "other" })
		raw := idToken(t, idp)
		err := NewClient(idp.config(), nil, nil).VerifyIDToken(ctx, raw, "expected-nonce")
		if !errors.Is(err, ErrNonceMismatch) {
			t.Errorf("expected ErrNonceMismatch, got %v", err)
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.set(func(p *mockIdP) { p.audience = "someone-else" })
		raw := idToken(t, idp)
		err := NewClient(idp.config(), nil, nil).VerifyIDToken(ctx, raw, "")
		if !errors.Is(err, ErrInvalidIDToken) || !errors.Is(err, ErrCSRFViolation) {
			t.Errorf("expected ErrInvalidIDToken, got %v", err)
		}
	})

	t.Run("forged signature", func(t *testing.T) {
		idp := newMockIdP(t)
		forged, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		idp.set(func(p *mockIdP) { p.forgeKey = forged })
		raw := idToken(t, idp)
		if err := NewClient(idp.config(), nil, nil).VerifyIDToken(ctx, raw, ""); !errors.Is(err, ErrInvalidIDToken) {
			t.Errorf("expected ErrInvalidIDToken, got %v", err)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		idp := newMockIdP(t)
		if err := NewClient(idp.config(), nil, nil).VerifyIDToken(ctx, "", ""); !errors.Is(err, ErrInvalidIDToken) {
			t.Errorf("expected ErrInvalidIDToken, got %v", err)
		}
	})
}
