package oidc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

const maxUserInfoBytes = 1 << 20

// TokenResponse is the token endpoint's answer to a code exchange.
type TokenResponse struct {
	AccessToken  string
	IDToken      string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
}

// Client talks to one identity provider as described by a Config snapshot.
// It is cheap to build and is normally created per request.
type Client struct {
	cfg        Config
	discovery  *DiscoveryCache
	httpClient *http.Client
}

// NewClient creates a Client. A nil discovery cache gets a private one; a
// nil httpClient gets a pooled cleanhttp client.
func NewClient(cfg Config, discovery *DiscoveryCache, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	if discovery == nil {
		discovery = NewDiscoveryCache(httpClient)
	}
	return &Client{cfg: cfg, discovery: discovery, httpClient: httpClient}
}

// Discover returns the provider metadata for the configured issuer.
func (c *Client) Discover(ctx context.Context) (*DiscoveryDocument, error) {
	return c.discovery.Get(ctx, c.cfg.IssuerURL)
}

func (c *Client) oauth2Config(doc *DiscoveryDocument, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       c.cfg.ScopeList(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// invalidateIfGone drops the cached discovery document when an endpoint it
// advertised no longer exists, so the next login rediscovers the provider.
func (c *Client) invalidateIfGone(status int) {
	if status == http.StatusNotFound || status == http.StatusGone {
		c.discovery.Invalidate()
	}
}

// withHTTPClient makes oauth2 and go-oidc use c.httpClient.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthorizationURL builds the provider redirect carrying client_id,
// response_type=code, scope, redirect_uri, state and nonce.
func (c *Client) AuthorizationURL(ctx context.Context, state, nonce, redirectURI string) (string, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}
	return c.oauth2Config(doc, redirectURI).AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce)), nil
}

// ExchangeCode trades an authorization code for tokens. Client credentials
// are sent in the form body.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := c.oauth2Config(doc, redirectURI).Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			c.invalidateIfGone(re.Response.StatusCode)
			return nil, &TokenExchangeError{StatusCode: re.Response.StatusCode, Body: string(re.Body), Err: err}
		}
		c.discovery.Invalidate()
		return nil, &TokenExchangeError{Err: err}
	}

	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = raw
	}
	return resp, nil
}

// UserInfo fetches the subject's claims with accessToken as a Bearer
// credential. Providers that answer with a signed JWT are decoded the same
// way as ID tokens.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (Claims, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if doc.UserInfoEndpoint == "" {
		return nil, &UserInfoError{Err: errors.New("provider does not advertise a userinfo_endpoint")}
	}

	hc := oauth2.NewClient(c.withHTTPClient(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.UserInfoEndpoint, nil)
	if err != nil {
		return nil, &UserInfoError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		c.discovery.Invalidate()
		return nil, &UserInfoError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, &UserInfoError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.invalidateIfGone(resp.StatusCode)
		return nil, &UserInfoError{StatusCode: resp.StatusCode}
	}

	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/jwt" {
		return ParseIDTokenClaims(string(body)), nil
	}
	claims, err := decodeClaims(body)
	if err != nil {
		return nil, &UserInfoError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return claims, nil
}

// VerifyIDToken checks the signature, issuer, audience and expiry of
// rawIDToken against the provider's published keys, and its nonce when
// nonce is non-empty.
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken, nonce string) error {
	doc, err := c.Discover(ctx)
	if err != nil {
		return err
	}
	if rawIDToken == "" {
		return fmt.Errorf("%w: token response has no id_token", ErrInvalidIDToken)
	}
	if doc.JWKSURI == "" {
		return fmt.Errorf("%w: provider does not advertise jwks_uri", ErrInvalidIDToken)
	}

	issuer := doc.Issuer
	if issuer == "" {
		issuer = c.cfg.IssuerURL
	}
	verifier := gooidc.NewVerifier(issuer, c.discovery.keySet(doc.JWKSURI), &gooidc.Config{
		ClientID:             c.cfg.ClientID,
		SupportedSigningAlgs: signingAlgs(doc.SigningAlgs),
	})

	tok, err := verifier.Verify(gooidc.ClientContext(ctx, c.httpClient), rawIDToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	if nonce != "" && tok.Nonce != nonce {
		return ErrNonceMismatch
	}
	return nil
}
