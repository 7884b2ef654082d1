package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"

	"umamisso/internal/observability"
)

// DefaultDiscoveryTTL is how long a fetched discovery document is served
// before it is fetched again.
const DefaultDiscoveryTTL = 5 * time.Minute

const (
	wellKnownPath     = "/.well-known/openid-configuration"
	maxDiscoveryBytes = 1 << 20
)

// DiscoveryDocument is the subset of the provider metadata the login flow
// uses.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri,omitempty"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

type cachedDiscovery struct {
	issuer    string
	doc       DiscoveryDocument
	fetchedAt time.Time
}

// DiscoveryOption configures a DiscoveryCache.
type DiscoveryOption func(*DiscoveryCache)

// WithDiscoveryTTL overrides DefaultDiscoveryTTL. Non-positive values are ignored.
func WithDiscoveryTTL(ttl time.Duration) DiscoveryOption {
	return func(c *DiscoveryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now for staleness checks.
func WithClock(clock func() time.Time) DiscoveryOption {
	return func(c *DiscoveryCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithDiscoveryMetrics counts network fetches.
func WithDiscoveryMetrics(m *observability.Metrics) DiscoveryOption {
	return func(c *DiscoveryCache) { c.metrics = m }
}

// DiscoveryCache holds the most recently fetched discovery document for a
// single issuer. Concurrent misses may fetch more than once; the last
// successful fetch wins the slot.
type DiscoveryCache struct {
	client  *http.Client
	ttl     time.Duration
	clock   func() time.Time
	metrics *observability.Metrics

	slot    atomic.Pointer[cachedDiscovery]
	keySets sync.Map // jwks_uri -> *gooidc.RemoteKeySet
}

// NewDiscoveryCache creates a cache that fetches with client, or with a
// pooled cleanhttp client when client is nil.
func NewDiscoveryCache(client *http.Client, opts ...DiscoveryOption) *DiscoveryCache {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	c := &DiscoveryCache{
		client: client,
		ttl:    DefaultDiscoveryTTL,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the discovery document for issuerURL, fetching it when the
// slot is empty, stale or holds a different issuer.
func (c *DiscoveryCache) Get(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	issuer := strings.TrimRight(issuerURL, "/")
	if e := c.slot.Load(); e != nil && e.issuer == issuer && c.clock().Sub(e.fetchedAt) < c.ttl {
		doc := e.doc
		return &doc, nil
	}

	doc, err := c.fetch(ctx, issuer)
	c.metrics.RecordDiscoveryFetch(err)
	if err != nil {
		return nil, err
	}
	c.slot.Store(&cachedDiscovery{issuer: issuer, doc: *doc, fetchedAt: c.clock()})
	return doc, nil
}

// Invalidate empties the slot so the next Get fetches. Clients call it when
// an advertised endpoint has disappeared.
func (c *DiscoveryCache) Invalidate() {
	c.slot.Store(nil)
}

func (c *DiscoveryCache) fetch(ctx context.Context, issuer string) (*DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+wellKnownPath, nil)
	if err != nil {
		return nil, &DiscoveryError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDiscoveryBytes))
		return nil, &DiscoveryError{StatusCode: resp.StatusCode}
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBytes)).Decode(&doc); err != nil {
		return nil, &DiscoveryError{Err: fmt.Errorf("decode document: %w", err)}
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, &DiscoveryError{Err: errors.New("document is missing authorization_endpoint or token_endpoint")}
	}
	if got := strings.TrimRight(doc.Issuer, "/"); got != issuer {
		return nil, &DiscoveryError{Err: fmt.Errorf("issuer %q does not match configured issuer %q", doc.Issuer, issuer)}
	}
	return &doc, nil
}

// keySet returns a shared remote key set for jwksURI so verified logins do
// not refetch the provider's keys every time.
func (c *DiscoveryCache) keySet(jwksURI string) gooidc.KeySet {
	if ks, ok := c.keySets.Load(jwksURI); ok {
		return ks.(*gooidc.RemoteKeySet)
	}
	ks := gooidc.NewRemoteKeySet(gooidc.ClientContext(context.Background(), c.client), jwksURI)
	actual, _ := c.keySets.LoadOrStore(jwksURI, ks)
	return actual.(*gooidc.RemoteKeySet)
}

// signingAlgs keeps the asymmetric algorithms go-oidc can verify.
func signingAlgs(advertised []string) []string {
	supported := []string{
		gooidc.RS256, gooidc.RS384, gooidc.RS512,
		gooidc.ES256, gooidc.ES384, gooidc.ES512,
		gooidc.PS256, gooidc.PS384, gooidc.PS512,
	}
	var algs []string
	for _, alg := range advertised {
		if slices.Contains(supported, alg) {
			algs = append(algs, alg)
		}
	}
	return algs
}
