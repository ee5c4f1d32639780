// Package gmail reads and labels Gmail messages through the Gmail API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"triage_server/adapter/out/provider/credential"
	"triage_server/core/domain"
	"triage_server/core/port/out"
)

const (
	providerName = "gmail"
	userID       = "me"

	// listCap bounds how many ids a single FetchSince collects before paging locally.
	listCap = 5000
	// Concurrent metadata fetches; Gmail starts throttling per-user well above this.
	maxConcurrency = 5
)

var folderQuery = map[string]string{
	domain.FolderInbox:     "in:inbox",
	domain.FolderDrafts:    "in:drafts",
	domain.FolderSentItems: "in:sent",
}

// Provider implements out.MessageSource and out.CategoryAnnotator for Gmail.
//
// Gmail lists newest first, so FetchSince collects the matching ids up front and
// serves them oldest first; NextToken refers to that server-side listing.
type Provider struct {
	service *gmail.Service

	mu       sync.Mutex
	pending  map[string]pendingList
	labelIDs map[string]string
}

type pendingList struct {
	ids   []string
	limit int
}

// New creates a Gmail provider authenticated through creds. Extra options are
// applied after the token source, which lets tests point at a local endpoint.
func New(ctx context.Context, creds out.CredentialProvider, opts ...option.ClientOption) (*Provider, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(credential.TokenSource(ctx, creds))}, opts...)
	service, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &Provider{
		service:  service,
		pending:  make(map[string]pendingList),
		labelIDs: make(map[string]string),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// FetchSince returns up to limit messages received since cursor, oldest first.
func (p *Provider) FetchSince(ctx context.Context, folder string, cursor *time.Time, limit int) (*out.FetchPage, error) {
	q, ok := folderQuery[folder]
	if !ok {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unknown folder "+folder, nil, false)
	}
	if cursor != nil {
		// after: is exclusive and second-granular; step back so the boundary is re-read.
		q += fmt.Sprintf(" after:%d", cursor.Unix()-1)
	}
	if limit <= 0 {
		limit = 50
	}

	var ids []string
	call := p.service.Users.Messages.List(userID).Q(q).MaxResults(500)
	err := call.Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if len(ids) >= listCap {
			return errListCapReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errListCapReached) {
		return nil, wrapError(err, "failed to list messages")
	}
	if len(ids) > listCap {
		ids = ids[:listCap]
	}

	// Newest first from the API; the oldest are at the tail.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	return p.serve(ctx, ids, limit)
}

// FetchPage continues a listing started by FetchSince.
func (p *Provider) FetchPage(ctx context.Context, token string) (*out.FetchPage, error) {
	p.mu.Lock()
	pl, ok := p.pending[token]
	delete(p.pending, token)
	p.mu.Unlock()
	if !ok {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unknown page token", nil, false)
	}
	return p.serve(ctx, pl.ids, pl.limit)
}

var errListCapReached = errors.New("gmail: list cap reached")

func (p *Provider) serve(ctx context.Context, ids []string, limit int) (*out.FetchPage, error) {
	head := ids
	var rest []string
	if len(ids) > limit {
		head, rest = ids[:limit], ids[limit:]
	}

	msgs, err := p.fetchMetadata(ctx, head)
	if err != nil {
		return nil, err
	}

	page := &out.FetchPage{Messages: msgs}
	if len(rest) > 0 {
		token := uuid.NewString()
		p.mu.Lock()
		p.pending[token] = pendingList{ids: rest, limit: limit}
		p.mu.Unlock()
		page.HasMore = true
		page.NextToken = token
	}
	return page, nil
}

// fetchMetadata loads headers for ids with bounded concurrency and returns them
// sorted by internal date.
func (p *Provider) fetchMetadata(ctx context.Context, ids []string) ([]domain.MessageSummary, error) {
	type result struct {
		msg domain.MessageSummary
		err error
	}

	results := make([]result, len(ids))
	semaphore := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(idx int, msgID string) {
			defer wg.Done()
			semaphore <- struct{}{}        // acquire
			defer func() { <-semaphore }() // release

			m, err := p.service.Users.Messages.Get(userID, msgID).
				Format("metadata").
				MetadataHeaders("Subject", "From", "Message-ID").
				Context(ctx).
				Do()
			if err != nil {
				results[idx] = result{err: wrapError(err, "failed to get message")}
				return
			}
			results[idx] = result{msg: parseMessage(m)}
		}(i, id)
	}
	wg.Wait()

	msgs := make([]domain.MessageSummary, 0, len(ids))
	for _, r := range results {
		if r.err != nil {
			var pe *out.ProviderError
			// Deleted between list and get.
			if errors.As(r.err, &pe) && pe.Code == out.ProviderErrNotFound {
				continue
			}
			return nil, r.err
		}
		msgs = append(msgs, r.msg)
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })
	return msgs, nil
}

// ApplyLabel adds the user label named after the category, creating the label
// on first use. Existing labels on the message are untouched.
func (p *Provider) ApplyLabel(ctx context.Context, providerID string, label domain.Category) error {
	labelID, err := p.resolveLabel(ctx, label.String())
	if err != nil {
		return err
	}

	msg, err := p.service.Users.Messages.Get(userID, providerID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return wrapError(err, "failed to get message")
	}
	if contains(msg.LabelIds, labelID) {
		return nil
	}

	_, err = p.service.Users.Messages.Modify(userID, providerID, &gmail.ModifyMessageRequest{
		AddLabelIds: []string{labelID},
	}).Context(ctx).Do()
	if err != nil {
		return wrapError(err, "failed to modify message")
	}
	return nil
}

func (p *Provider) resolveLabel(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	id, ok := p.labelIDs[name]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	resp, err := p.service.Users.Labels.List(userID).Context(ctx).Do()
	if err != nil {
		return "", wrapError(err, "failed to list labels")
	}
	for _, l := range resp.Labels {
		if strings.EqualFold(l.Name, name) {
			id = l.Id
			break
		}
	}

	if id == "" {
		created, err := p.service.Users.Labels.Create(userID, &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		if err != nil {
			return "", wrapError(err, "failed to create label")
		}
		id = created.Id
	}

	p.mu.Lock()
	p.labelIDs[name] = id
	p.mu.Unlock()
	return id, nil
}

func parseMessage(msg *gmail.Message) domain.MessageSummary {
	summary := domain.MessageSummary{
		ProviderID:  msg.Id,
		StableID:    msg.Id,
		BodyExcerpt: html.UnescapeString(msg.Snippet),
		ReceivedAt:  time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				summary.Subject = h.Value
			case "from":
				summary.Sender = h.Value
			case "message-id":
				if h.Value != "" {
					summary.StableID = h.Value
				}
			}
		}
	}
	return summary
}

func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, out.ErrUnauthenticated) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(providerName, out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError(providerName, out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503, 504:
			return out.NewProviderError(providerName, out.ProviderErrServer, "Server error", err, true)
		default:
			return out.NewProviderError(providerName, out.ProviderErrInvalidInput, defaultMsg, err, false)
		}
	}

	return out.NewProviderError(providerName, out.ProviderErrNetwork, defaultMsg, err, true)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

var (
	_ out.MessageSource     = (*Provider)(nil)
	_ out.CategoryAnnotator = (*Provider)(nil)
)
