package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"umamisso/internal/observability"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDiscoveryCache_CachesWithinTTL(t *testing.T) {
	idp := newMockIdP(t)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewDiscoveryCache(nil, WithClock(clock.Now), WithDiscoveryTTL(time.Minute))
	ctx := context.Background()

	doc, err := cache.Get(ctx, idp.URL())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.TokenEndpoint != idp.URL()+"/token" || doc.UserInfoEndpoint != idp.URL()+"/userinfo" {
		t.Errorf("unexpected document %+v", doc)
	}

	clock.Advance(59 * time.Second)
	if _, err := cache.Get(ctx, idp.URL()+"/"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := idp.hits(); got != 1 {
		t.Errorf("discovery fetched %d times within TTL, want 1", got)
	}

	clock.Advance(time.Second)
	if _, err := cache.Get(ctx, idp.URL()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := idp.hits(); got != 2 {
		t.Errorf("discovery fetched %d times at TTL, want 2", got)
	}
}

func TestDiscoveryCache_RefetchesForOtherIssuer(t *testing.T) {
	a := newMockIdP(t)
	b := newMockIdP(t)
	cache := NewDiscoveryCache(nil)
	ctx := context.Background()

	if _, err := cache.Get(ctx, a.URL()); err != nil {
		t.Fatalf("Get a: %v", err)
	}
	doc, err := cache.Get(ctx, b.URL())
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if doc.Issuer != b.URL() {
		t.Errorf("issuer = %q, want %q", doc.Issuer, b.URL())
	}
	if a.hits() != 1 || b.hits() != 1 {
		t.Errorf("hits a=%d b=%d, want 1 each", a.hits(), b.hits())
	}
}

func TestDiscoveryCache_Invalidate(t *testing.T) {
	idp := newMockIdP(t)
	cache := NewDiscoveryCache(nil)
	ctx := context.Background()

	_, _ = cache.Get(ctx, idp.URL())
	cache.Invalidate()
	_, _ = cache.Get(ctx, idp.URL())
	if got := idp.hits(); got != 2 {
		t.Errorf("hits = %d, want 2 after Invalidate", got)
	}
}

func TestDiscoveryCache_IssuerMismatch(t *testing.T) {
	idp := newMockIdP(t)
	idp.set(func(p *mockIdP) { p.docIssuer = "https://evil.example.com" })
	cache := NewDiscoveryCache(nil)

	_, err := cache.Get(context.Background(), idp.URL())
	var de *DiscoveryError
	if !errors.As(err, &de) || de.StatusCode != 0 {
		t.Fatalf("expected DiscoveryError for foreign issuer, got %v", err)
	}
	if !strings.Contains(err.Error(), "evil.example.com") {
		t.Errorf("error should name the advertised issuer: %v", err)
	}

	// A trailing slash on either side is not a mismatch.
	idp.set(func(p *mockIdP) { p.docIssuer = idp.URL() + "/" })
	if _, err := cache.Get(context.Background(), idp.URL()); err != nil {
		t.Fatalf("Get with trailing slash issuer: %v", err)
	}
}

func TestDiscoveryCache_ErrorStatus(t *testing.T) {
	idp := newMockIdP(t)
	idp.set(func(p *mockIdP) { p.discoveryStatus = http.StatusServiceUnavailable })
	metrics := observability.NewMetrics(observability.MetricsConfig{Namespace: "test"})
	cache := NewDiscoveryCache(nil, WithDiscoveryMetrics(metrics))

	_, err := cache.Get(context.Background(), idp.URL())
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DiscoveryError, got %v", err)
	}
	if de.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", de.StatusCode)
	}
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Error("expected errors.Is(err, ErrDiscoveryFailed)")
	}

	// Failures are not cached.
	idp.set(func(p *mockIdP) { p.discoveryStatus = 0 })
	if _, err := cache.Get(context.Background(), idp.URL()); err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, want := range []string{
		`test_oidc_discovery_fetches_total{result="error"} 1`,
		`test_oidc_discovery_fetches_total{result="ok"} 1`,
	} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Errorf("missing %q in metrics", want)
		}
	}
}

func TestDiscoveryCache_RequestHeadersAndValidation(t *testing.T) {
	var gotCacheControl string
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCacheControl = r.Header.Get("Cache-Control")
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"` + srv.URL + `","token_endpoint":"` + srv.URL + `/token"}`))
	}))
	defer srv.Close()

	_, err := NewDiscoveryCache(srv.Client()).Get(context.Background(), srv.URL)
	if gotCacheControl != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", gotCacheControl)
	}
	var de *DiscoveryError
	if !errors.As(err, &de) || de.StatusCode != 0 {
		t.Errorf("expected DiscoveryError without status for incomplete document, got %v", err)
	}
}

func TestDiscoveryCache_Unreachable(t *testing.T) {
	_, err := NewDiscoveryCache(nil).Get(context.Background(), "http://127.0.0.1:1")
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Errorf("expected ErrDiscoveryFailed, got %v", err)
	}
}

func TestDiscoveryCache_ConcurrentGet(t *testing.T) {
	idp := newMockIdP(t)
	cache := NewDiscoveryCache(nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), idp.URL()); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := cache.Get(context.Background(), idp.URL()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h := idp.hits(); h < 1 || h > 21 {
		t.Errorf("unexpected hit count %d", h)
	}
}
