// Package credential hands out bearer tokens for the mail providers.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"triage_server/core/port/out"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"
)

// Microsoft Graph scopes needed to read mail and write categories.
var outlookScopes = []string{
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/User.Read",
	"offline_access",
}

// OutlookOAuthConfig builds the oauth2 config for Azure AD. An empty tenant means "common".
func OutlookOAuthConfig(clientID, clientSecret, tenantID string) *oauth2.Config {
	if tenantID == "" {
		tenantID = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       outlookScopes,
		Endpoint:     microsoft.AzureADEndpoint(tenantID),
	}
}

// GoogleOAuthConfig builds the oauth2 config for Gmail.
func GoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{gmail.GmailModifyScope, gmail.GmailLabelsScope},
		Endpoint:     google.Endpoint,
	}
}

// =============================================================================
// Refresh-token provider
// =============================================================================

// OAuthProvider exchanges a long-lived refresh token for access tokens.
type OAuthProvider struct {
	config       *oauth2.Config
	refreshToken string

	mu  sync.Mutex
	src oauth2.TokenSource
	tok *oauth2.Token
}

// NewOAuthProvider creates a provider. It does not contact the token endpoint until
// the first Token call.
func NewOAuthProvider(config *oauth2.Config, refreshToken string) *OAuthProvider {
	return &OAuthProvider{config: config, refreshToken: refreshToken}
}

// Token returns a valid access token, refreshing it when it has expired.
func (p *OAuthProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refreshToken == "" {
		return "", out.ErrUnauthenticated
	}
	if p.src == nil {
		p.src = p.newSource(ctx)
	}
	tok, err := p.src.Token()
	if err != nil {
		return "", mapTokenError(err)
	}
	p.tok = tok
	return tok.AccessToken, nil
}

// Refresh discards the cached access token so the next Token call hits the
// token endpoint. The exchange happens here so an invalid grant is reported now.
func (p *OAuthProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refreshToken == "" {
		return out.ErrUnauthenticated
	}
	p.src = p.newSource(ctx)
	tok, err := p.src.Token()
	if err != nil {
		return mapTokenError(err)
	}
	p.tok = tok
	return nil
}

// Expiry reports when the cached access token expires. Zero when none is cached.
func (p *OAuthProvider) Expiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tok == nil {
		return time.Time{}
	}
	return p.tok.Expiry
}

func (p *OAuthProvider) newSource(ctx context.Context) oauth2.TokenSource {
	// The token source outlives the caller's request context.
	base := context.WithoutCancel(ctx)
	seed := &oauth2.Token{RefreshToken: p.refreshToken}
	return oauth2.ReuseTokenSource(nil, p.config.TokenSource(base, seed))
}

func mapTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", out.ErrUnauthenticated, err)
		}
	}
	return out.NewProviderError("oauth", out.ProviderErrNetwork, "token refresh failed", err, true)
}

// =============================================================================
// Static bearer
// =============================================================================

// StaticProvider serves a fixed bearer token. It cannot refresh.
type StaticProvider struct {
	token string
}

// NewStatic creates a provider for a pre-issued access token.
func NewStatic(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

func (p *StaticProvider) Token(context.Context) (string, error) {
	if p.token == "" {
		return "", out.ErrUnauthenticated
	}
	return p.token, nil
}

func (p *StaticProvider) Refresh(context.Context) error {
	return fmt.Errorf("%w: static token cannot be refreshed", out.ErrUnauthenticated)
}

// =============================================================================
// oauth2 bridge
// =============================================================================

// TokenSource adapts a CredentialProvider to oauth2.TokenSource so SDK clients
// pick up refreshed tokens.
func TokenSource(ctx context.Context, cp out.CredentialProvider) oauth2.TokenSource {
	return &bridgeSource{ctx: context.WithoutCancel(ctx), cp: cp}
}

type bridgeSource struct {
	ctx context.Context
	cp  out.CredentialProvider
}

func (s *bridgeSource) Token() (*oauth2.Token, error) {
	tok, err := s.cp.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

var (
	_ out.CredentialProvider = (*OAuthProvider)(nil)
	_ out.CredentialProvider = (*StaticProvider)(nil)
)
