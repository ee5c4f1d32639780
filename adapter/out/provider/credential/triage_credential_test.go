package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"triage_server/core/port/out"

	"golang.org/x/oauth2"
)

func tokenServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testConfig(url string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: url, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func TestOAuthProvider_TokenIsCached(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK)
	p := NewOAuthProvider(testConfig(srv.URL), "refresh")

	ctx := context.Background()
	first, err := p.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	second, err := p.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if first != "access-1" || second != first {
		t.Errorf("tokens = %q, %q; want access-1 twice", first, second)
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", calls.Load())
	}
	if p.Expiry().IsZero() {
		t.Error("expected expiry to be set")
	}
}

func TestOAuthProvider_RefreshForcesNewToken(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusOK)
	p := NewOAuthProvider(testConfig(srv.URL), "refresh")
	ctx := context.Background()

	if _, err := p.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if err := p.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	tok, _ := p.Token(ctx)
	if tok != "access-2" {
		t.Errorf("token after refresh = %q, want access-2", tok)
	}
}

func TestOAuthProvider_InvalidGrant(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusBadRequest)
	p := NewOAuthProvider(testConfig(srv.URL), "revoked")

	err := p.Refresh(context.Background())
	if !errors.Is(err, out.ErrUnauthenticated) {
		t.Errorf("Refresh error = %v, want ErrUnauthenticated", err)
	}
	if !out.IsAuthExpired(err) {
		t.Error("invalid grant should be reported as auth expired")
	}
}

func TestOAuthProvider_NoRefreshToken(t *testing.T) {
	p := NewOAuthProvider(testConfig("http://unused"), "")
	if _, err := p.Token(context.Background()); !errors.Is(err, out.ErrUnauthenticated) {
		t.Errorf("Token error = %v, want ErrUnauthenticated", err)
	}
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()

	tok, err := NewStatic("abc").Token(ctx)
	if err != nil || tok != "abc" {
		t.Errorf("Token = %q, %v", tok, err)
	}
	if _, err := NewStatic("").Token(ctx); !errors.Is(err, out.ErrUnauthenticated) {
		t.Errorf("empty token error = %v", err)
	}
	if err := NewStatic("abc").Refresh(ctx); !errors.Is(err, out.ErrUnauthenticated) {
		t.Errorf("Refresh error = %v", err)
	}
}

func TestTokenSourceBridge(t *testing.T) {
	ts := TokenSource(context.Background(), NewStatic("xyz"))
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "xyz" || tok.Type() != "Bearer" {
		t.Errorf("token = %+v", tok)
	}
}
