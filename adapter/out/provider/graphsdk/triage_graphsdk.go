// Package graphsdk reads and categorizes Outlook mail through the Microsoft Graph Go SDK.
package graphsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

const providerName = "graphsdk"

var messageSelect = []string{"id", "subject", "from", "receivedDateTime", "bodyPreview", "internetMessageId"}

// Provider implements out.MessageSource and out.CategoryAnnotator on top of
// GraphServiceClient.
type Provider struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates a Graph SDK provider for userID ("me" when empty).
func New(creds out.CredentialProvider, userID string) (*Provider, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(
		&credentialBridge{creds: creds},
		[]string{"https://graph.microsoft.com/.default"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	if userID == "" {
		userID = "me"
	}
	return &Provider{client: client, userID: userID}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// FetchSince lists messages in folder received at or after cursor, oldest first.
func (p *Provider) FetchSince(ctx context.Context, folder string, cursor *time.Time, limit int) (*out.FetchPage, error) {
	if !domain.ValidFolder(folder) {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unknown folder "+folder, nil, false)
	}
	if limit <= 0 {
		limit = 50
	}
	top := int32(limit)

	query := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     &top,
		Select:  messageSelect,
		Orderby: []string{"receivedDateTime asc"},
	}
	if cursor != nil {
		filter := "receivedDateTime ge " + cursor.UTC().Format(time.RFC3339)
		query.Filter = &filter
	}

	result, err := p.messages(folder).Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: query,
	})
	if err != nil {
		return nil, mapGraphError(err)
	}
	return convertCollection(result)
}

// FetchPage follows an @odata.nextLink.
func (p *Provider) FetchPage(ctx context.Context, token string) (*out.FetchPage, error) {
	if !strings.HasPrefix(token, "https://graph.microsoft.com/") {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "foreign page token", nil, false)
	}
	// The folder segment is irrelevant once the absolute URL overrides the builder path.
	result, err := p.messages(domain.FolderInbox).WithUrl(token).Get(ctx, nil)
	if err != nil {
		return nil, mapGraphError(err)
	}
	return convertCollection(result)
}

// ApplyLabel merges label into the message's categories.
func (p *Provider) ApplyLabel(ctx context.Context, providerID string, label domain.Category) error {
	item := p.client.Users().ByUserId(p.userID).Messages().ByMessageId(providerID)

	current, err := item.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"categories"},
		},
	})
	if err != nil {
		return mapGraphError(err)
	}

	merged, changed := mergeCategory(current.GetCategories(), label.String())
	if !changed {
		return nil
	}

	patch := models.NewMessage()
	patch.SetCategories(merged)
	if _, err := item.Patch(ctx, patch, nil); err != nil {
		return mapGraphError(err)
	}
	return nil
}

func (p *Provider) messages(folder string) *users.ItemMailFoldersItemMessagesRequestBuilder {
	return p.client.Users().ByUserId(p.userID).MailFolders().ByMailFolderId(folder).Messages()
}

func mergeCategory(existing []string, name string) ([]string, bool) {
	for _, c := range existing {
		if strings.EqualFold(c, name) {
			return existing, false
		}
	}
	merged := make([]string, 0, len(existing)+1)
	merged = append(merged, existing...)
	return append(merged, name), true
}

func convertCollection(result models.MessageCollectionResponseable) (*out.FetchPage, error) {
	page := &out.FetchPage{}
	if result == nil {
		return page, nil
	}
	for _, m := range result.GetValue() {
		msg, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, msg)
	}
	if next := result.GetOdataNextLink(); next != nil && *next != "" {
		page.HasMore = true
		page.NextToken = *next
	}
	return page, nil
}

func convertMessage(m models.Messageable) (domain.MessageSummary, error) {
	var msg domain.MessageSummary
	if m == nil {
		return msg, out.NewProviderError(providerName, out.ProviderErrServer, "nil message in response", nil, false)
	}

	msg.ProviderID = deref(m.GetId())
	msg.StableID = deref(m.GetInternetMessageId())
	if msg.StableID == "" {
		msg.StableID = msg.ProviderID
	}
	msg.Subject = deref(m.GetSubject())
	msg.BodyExcerpt = deref(m.GetBodyPreview())

	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			name, email := deref(addr.GetName()), deref(addr.GetAddress())
			if name != "" && name != email {
				msg.Sender = fmt.Sprintf("%s <%s>", name, email)
			} else {
				msg.Sender = email
			}
		}
	}

	rcvd := m.GetReceivedDateTime()
	if rcvd == nil {
		return msg, out.NewProviderError(providerName, out.ProviderErrServer, "missing receivedDateTime on "+msg.ProviderID, nil, false)
	}
	msg.ReceivedAt = rcvd.UTC()
	return msg, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// mapGraphError turns SDK errors into provider errors the orchestrator can classify.
func mapGraphError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, out.ErrUnauthenticated) {
		return err
	}

	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		// ODataError.Error dereferences the body's message, which throttling and
		// gateway responses often omit. Never call it, and never wrap it.
		status := odataErr.ResponseStatusCode
		msg := fmt.Sprintf("graph status %d", status)
		if main := odataErr.GetErrorEscaped(); main != nil {
			if code := deref(main.GetCode()); code != "" {
				msg += " " + code
			}
			if text := deref(main.GetMessage()); text != "" {
				msg += ": " + text
			}
		}
		switch {
		case status == http.StatusUnauthorized:
			return out.NewProviderError(providerName, out.ProviderErrTokenExpired, msg, nil, false)
		case status == http.StatusForbidden:
			return out.NewProviderError(providerName, out.ProviderErrAuth, msg, nil, false)
		case status == http.StatusNotFound:
			return out.NewProviderError(providerName, out.ProviderErrNotFound, msg, nil, false)
		case status == http.StatusTooManyRequests:
			return out.NewProviderError(providerName, out.ProviderErrRateLimit, msg, nil, true)
		case status >= 500:
			return out.NewProviderError(providerName, out.ProviderErrServer, msg, nil, true)
		default:
			return out.NewProviderError(providerName, out.ProviderErrInvalidInput, msg, nil, false)
		}
	}

	return out.NewProviderError(providerName, out.ProviderErrNetwork, "request failed", err, true)
}

// credentialBridge implements azcore.TokenCredential over the service's
// credential provider.
type credentialBridge struct {
	creds out.CredentialProvider
}

func (c *credentialBridge) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{
		Token:     tok,
		ExpiresOn: time.Now().Add(5 * time.Minute),
	}, nil
}

var (
	_ out.MessageSource      = (*Provider)(nil)
	_ out.CategoryAnnotator  = (*Provider)(nil)
	_ azcore.TokenCredential = (*credentialBridge)(nil)
)
