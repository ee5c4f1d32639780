// Package outlook reads and categorizes Outlook mail through the Microsoft Graph REST API.
package outlook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/httputil"
	"triage_server/pkg/resilience"
)

const (
	providerName = "outlook"
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	messageSelect = "id,subject,from,receivedDateTime,bodyPreview,internetMessageId"
)

// Config configures Provider. Zero values fall back to the public Graph endpoint
// and the signed-in user.
type Config struct {
	BaseURL    string
	UserID     string // empty means /me
	HTTPClient *http.Client
}

// Provider implements out.MessageSource and out.CategoryAnnotator for Outlook.
type Provider struct {
	creds    out.CredentialProvider
	client   *http.Client
	baseURL  string
	userPath string
	cb       *gobreaker.CircuitBreaker
}

// NewProvider creates a new Outlook provider.
func NewProvider(creds out.CredentialProvider, cfg Config) *Provider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = graphBaseURL
	}
	userPath := "/me"
	if cfg.UserID != "" {
		userPath = "/users/" + url.PathEscape(cfg.UserID)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httputil.NewClient(httputil.GraphClientConfig())
	}
	return &Provider{
		creds:    creds,
		client:   client,
		baseURL:  base,
		userPath: userPath,
		cb:       resilience.NewBreaker("outlook-api"),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// FetchSince lists messages in folder received at or after cursor, oldest first.
// The boundary is inclusive; the caller dedups by stable id.
func (p *Provider) FetchSince(ctx context.Context, folder string, cursor *time.Time, limit int) (*out.FetchPage, error) {
	if !domain.ValidFolder(folder) {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unknown folder "+folder, nil, false)
	}
	if limit <= 0 {
		limit = 50
	}

	params := url.Values{}
	params.Set("$select", messageSelect)
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", fmt.Sprintf("%d", limit))
	if cursor != nil {
		params.Set("$filter", "receivedDateTime ge "+cursor.UTC().Format(time.RFC3339))
	}

	return p.list(ctx, p.baseURL+p.userPath+"/mailFolders/"+folder+"/messages?"+params.Encode())
}

// FetchPage follows an @odata.nextLink returned by a previous call.
func (p *Provider) FetchPage(ctx context.Context, token string) (*out.FetchPage, error) {
	if !strings.HasPrefix(token, p.baseURL+"/") {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "foreign page token", nil, false)
	}
	return p.list(ctx, token)
}

func (p *Provider) list(ctx context.Context, rawURL string) (*out.FetchPage, error) {
	var resp struct {
		Value    []graphMessage `json:"value"`
		NextLink string         `json:"@odata.nextLink"`
	}
	if err := p.get(ctx, rawURL, &resp); err != nil {
		return nil, err
	}

	msgs := make([]domain.MessageSummary, 0, len(resp.Value))
	for i := range resp.Value {
		msg, err := convertMessage(&resp.Value[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return &out.FetchPage{
		Messages:  msgs,
		HasMore:   resp.NextLink != "",
		NextToken: resp.NextLink,
	}, nil
}

// ApplyLabel adds the category to the message's Outlook categories. Existing
// categories are kept.
func (p *Provider) ApplyLabel(ctx context.Context, providerID string, label domain.Category) error {
	msgURL := p.baseURL + p.userPath + "/messages/" + url.PathEscape(providerID)

	var msg struct {
		Categories []string `json:"categories"`
	}
	if err := p.get(ctx, msgURL+"?$select=categories", &msg); err != nil {
		return err
	}

	name := label.String()
	for _, c := range msg.Categories {
		if strings.EqualFold(c, name) {
			return nil
		}
	}

	msg.Categories = append(msg.Categories, name)
	return p.patch(ctx, msgURL, msg)
}

// =============================================================================
// HTTP helpers
// =============================================================================

func (p *Provider) get(ctx context.Context, rawURL string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return p.doRequest(req, result)
}

func (p *Provider) patch(ctx context.Context, rawURL string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, rawURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.doRequest(req, nil)
}

func (p *Provider) doRequest(req *http.Request, result interface{}) error {
	token, err := p.creds.Token(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	// Only throttling, server errors and transport failures count against the breaker.
	res, err := p.cb.Execute(func() (interface{}, error) {
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, wrapError(err, "request failed")
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			body := readBody(resp)
			return nil, wrapHTTPError(resp.StatusCode, body)
		}
		return resp, nil
	})
	if err != nil {
		if resilience.IsOpen(err) {
			return out.NewProviderError(providerName, out.ProviderErrServer, "circuit open", err, false)
		}
		return err
	}

	resp := res.(*http.Response)
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return wrapHTTPError(resp.StatusCode, readBody(resp))
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return out.NewProviderError(providerName, out.ProviderErrServer, "decode response", err, false)
		}
	}
	return nil
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(body)
}

func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	return out.NewProviderError(providerName, out.ProviderErrNetwork, defaultMsg, err, true)
}

func wrapHTTPError(statusCode int, body string) error {
	switch {
	case statusCode == http.StatusUnauthorized:
		return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "Token expired", nil, false)
	case statusCode == http.StatusForbidden:
		return out.NewProviderError(providerName, out.ProviderErrAuth, "Access denied", nil, false)
	case statusCode == http.StatusNotFound:
		return out.NewProviderError(providerName, out.ProviderErrNotFound, "Not found", nil, false)
	case statusCode == http.StatusTooManyRequests:
		return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Too many requests", nil, true)
	case statusCode >= 500:
		return out.NewProviderError(providerName, out.ProviderErrServer, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, true)
	default:
		return out.NewProviderError(providerName, out.ProviderErrInvalidInput, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, false)
	}
}

// =============================================================================
// Graph API types
// =============================================================================

type graphMessage struct {
	ID                string         `json:"id"`
	InternetMessageID string         `json:"internetMessageId"`
	Subject           string         `json:"subject"`
	BodyPreview       string         `json:"bodyPreview"`
	From              graphRecipient `json:"from"`
	ReceivedDateTime  string         `json:"receivedDateTime"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func convertMessage(msg *graphMessage) (domain.MessageSummary, error) {
	received, err := time.Parse(time.RFC3339, msg.ReceivedDateTime)
	if err != nil {
		return domain.MessageSummary{}, out.NewProviderError(providerName, out.ProviderErrServer,
			"bad receivedDateTime on "+msg.ID, err, false)
	}

	// Drafts have no internetMessageId until they are sent.
	stableID := msg.InternetMessageID
	if stableID == "" {
		stableID = msg.ID
	}

	return domain.MessageSummary{
		ProviderID:  msg.ID,
		StableID:    stableID,
		Sender:      formatAddress(msg.From),
		Subject:     msg.Subject,
		BodyExcerpt: msg.BodyPreview,
		ReceivedAt:  received.UTC(),
	}, nil
}

func formatAddress(r graphRecipient) string {
	if r.EmailAddress.Name != "" && r.EmailAddress.Name != r.EmailAddress.Address {
		return fmt.Sprintf("%s <%s>", r.EmailAddress.Name, r.EmailAddress.Address)
	}
	return r.EmailAddress.Address
}

var (
	_ out.MessageSource     = (*Provider)(nil)
	_ out.CategoryAnnotator = (*Provider)(nil)
)
