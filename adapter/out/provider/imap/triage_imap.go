// Package imap reads and flags mail over IMAP4rev1.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/logger"
)

const (
	providerName = "imap"
	excerptBytes = 2048
)

// DefaultMailboxes maps folder names to common IMAP mailbox names.
var DefaultMailboxes = map[string]string{
	domain.FolderInbox:     "INBOX",
	domain.FolderDrafts:    "Drafts",
	domain.FolderSentItems: "Sent",
}

// Config configures Provider.
type Config struct {
	Addr     string // host:port
	Username string
	// Password enables SASL PLAIN. When empty the credential provider's token is
	// sent with OAUTHBEARER.
	Password  string
	TLS       bool
	Mailboxes map[string]string
	Timeout   time.Duration
}

// Provider implements out.MessageSource and out.CategoryAnnotator over IMAP.
// Every call opens its own connection.
type Provider struct {
	cfg   Config
	creds out.CredentialProvider
}

// New creates an IMAP provider.
func New(cfg Config, creds out.CredentialProvider) *Provider {
	if cfg.Mailboxes == nil {
		cfg.Mailboxes = DefaultMailboxes
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Provider{cfg: cfg, creds: creds}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// FetchSince lists messages with an internal date at or after cursor, oldest first.
func (p *Provider) FetchSince(ctx context.Context, folder string, cursor *time.Time, limit int) (*out.FetchPage, error) {
	if _, ok := p.cfg.Mailboxes[folder]; !ok {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unknown folder "+folder, nil, false)
	}
	return p.fetch(ctx, pageToken{folder: folder, cursor: cursor}, limit)
}

// FetchPage continues after the last UID of the previous page.
func (p *Provider) FetchPage(ctx context.Context, token string) (*out.FetchPage, error) {
	tok, limit, err := parsePageToken(token)
	if err != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "bad page token", err, false)
	}
	if _, ok := p.cfg.Mailboxes[tok.folder]; !ok {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unknown folder "+tok.folder, nil, false)
	}
	return p.fetch(ctx, tok, limit)
}

func (p *Provider) fetch(ctx context.Context, tok pageToken, limit int) (*out.FetchPage, error) {
	if limit <= 0 {
		limit = 50
	}
	mailbox := p.cfg.Mailboxes[tok.folder]

	c, release, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := c.Select(mailbox, true); err != nil {
		return nil, wrapError(err, "select "+mailbox)
	}

	criteria := goimap.NewSearchCriteria()
	if tok.cursor != nil {
		// SINCE is date granular and server-local; the exact boundary is applied after the fetch.
		criteria.Since = tok.cursor.UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	}
	if tok.afterUID > 0 {
		criteria.Uid = new(goimap.SeqSet)
		criteria.Uid.AddRange(tok.afterUID+1, 0)
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, wrapError(err, "uid search")
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	// "n:*" always matches the highest UID, even when it is below n.
	for len(uids) > 0 && uids[0] <= tok.afterUID {
		uids = uids[1:]
	}

	page := &out.FetchPage{}
	if len(uids) == 0 {
		return page, nil
	}
	if len(uids) > limit {
		page.HasMore = true
		uids = uids[:limit]
	}

	msgs, err := fetchSummaries(c, mailbox, uids)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if tok.cursor != nil && m.ReceivedAt.Before(*tok.cursor) {
			continue
		}
		page.Messages = append(page.Messages, m)
	}
	sort.SliceStable(page.Messages, func(i, j int) bool {
		return page.Messages[i].ReceivedAt.Before(page.Messages[j].ReceivedAt)
	})

	if page.HasMore {
		next := tok
		next.afterUID = uids[len(uids)-1]
		page.NextToken = next.encode(limit)
	}
	return page, nil
}

func fetchSummaries(c *client.Client, mailbox string, uids []uint32) ([]domain.MessageSummary, error) {
	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uids...)

	section := &goimap.BodySectionName{
		BodyPartName: goimap.BodyPartName{Specifier: goimap.TextSpecifier},
		Peek:         true,
		Partial:      []int{0, excerptBytes},
	}
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchEnvelope, goimap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *goimap.Message, len(uids)+8)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	result := make([]domain.MessageSummary, 0, len(uids))
	for msg := range messages {
		result = append(result, convertMessage(mailbox, msg))
	}
	if err := <-done; err != nil {
		return nil, wrapError(err, "uid fetch")
	}
	return result, nil
}

func convertMessage(mailbox string, msg *goimap.Message) domain.MessageSummary {
	summary := domain.MessageSummary{
		ProviderID: encodeProviderID(mailbox, msg.Uid),
		ReceivedAt: msg.InternalDate.UTC(),
	}
	if env := msg.Envelope; env != nil {
		summary.Subject = env.Subject
		summary.StableID = env.MessageId
		if len(env.From) > 0 && env.From[0] != nil {
			from := env.From[0]
			addr := from.Address()
			if from.PersonalName != "" {
				summary.Sender = fmt.Sprintf("%s <%s>", from.PersonalName, addr)
			} else {
				summary.Sender = addr
			}
		}
		if summary.ReceivedAt.IsZero() {
			summary.ReceivedAt = env.Date.UTC()
		}
	}
	if summary.StableID == "" {
		summary.StableID = summary.ProviderID
	}
	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		raw, err := io.ReadAll(literal)
		if err == nil {
			summary.BodyExcerpt = strings.ToValidUTF8(string(raw), "")
		}
		break
	}
	return summary
}

// ApplyLabel sets the category as an IMAP keyword. Existing flags are kept.
func (p *Provider) ApplyLabel(ctx context.Context, providerID string, label domain.Category) error {
	mailbox, uid, err := decodeProviderID(providerID)
	if err != nil {
		return out.NewProviderError(providerName, out.ProviderErrInvalidInput, "bad provider id", err, false)
	}

	c, release, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.Select(mailbox, false); err != nil {
		return wrapError(err, "select "+mailbox)
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uid)

	messages := make(chan *goimap.Message, 1)
	if err := c.UidFetch(seqSet, []goimap.FetchItem{goimap.FetchFlags}, messages); err != nil {
		return wrapError(err, "fetch flags")
	}
	var flags []string
	found := false
	for msg := range messages {
		flags = msg.Flags
		found = true
	}
	if !found {
		return out.NewProviderError(providerName, out.ProviderErrNotFound, "message not found", nil, false)
	}

	keyword := label.String()
	for _, f := range flags {
		if strings.EqualFold(f, keyword) {
			return nil
		}
	}

	item := goimap.FormatFlagsOp(goimap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []interface{}{keyword}, nil); err != nil {
		return wrapError(err, "store flags")
	}
	return nil
}

// =============================================================================
// Connection handling
// =============================================================================

func (p *Provider) connect(ctx context.Context) (*client.Client, func(), error) {
	var (
		c   *client.Client
		err error
	)
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	if p.cfg.TLS {
		host, _, _ := net.SplitHostPort(p.cfg.Addr)
		c, err = client.DialWithDialerTLS(dialer, p.cfg.Addr, &tls.Config{ServerName: host})
	} else {
		c, err = client.DialWithDialer(dialer, p.cfg.Addr)
	}
	if err != nil {
		return nil, nil, out.NewProviderError(providerName, out.ProviderErrNetwork, "dial "+p.cfg.Addr, err, true)
	}
	c.Timeout = p.cfg.Timeout

	// go-imap v1 has no context support; tear the connection down on cancel.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Terminate()
		case <-stop:
		}
	}()
	release := func() {
		close(stop)
		if err := c.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
			logger.Debug("[IMAP] logout: %v", err)
		}
	}

	if err := p.authenticate(ctx, c); err != nil {
		release()
		return nil, nil, err
	}
	return c, release, nil
}

func (p *Provider) authenticate(ctx context.Context, c *client.Client) error {
	if p.cfg.Password != "" {
		if err := c.Authenticate(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return out.NewProviderError(providerName, out.ProviderErrAuth, "plain auth failed", err, false)
		}
		return nil
	}

	if p.creds == nil {
		return out.ErrUnauthenticated
	}
	token, err := p.creds.Token(ctx)
	if err != nil {
		return err
	}
	host, portStr, _ := net.SplitHostPort(p.cfg.Addr)
	port, _ := strconv.Atoi(portStr)
	auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: p.cfg.Username,
		Token:    token,
		Host:     host,
		Port:     port,
	})
	if err := c.Authenticate(auth); err != nil {
		// A rejected bearer is almost always an expired token.
		return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "oauthbearer rejected", err, false)
	}
	return nil
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, client.ErrNotLoggedIn) {
		return out.NewProviderError(providerName, out.ProviderErrNetwork, msg, err, true)
	}
	return out.NewProviderError(providerName, out.ProviderErrServer, msg, err, false)
}

// =============================================================================
// Identifiers
// =============================================================================

func encodeProviderID(mailbox string, uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10) + ":" + mailbox
}

func decodeProviderID(id string) (string, uint32, error) {
	uidStr, mailbox, ok := strings.Cut(id, ":")
	if !ok || mailbox == "" {
		return "", 0, fmt.Errorf("malformed provider id %q", id)
	}
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return "", 0, err
	}
	return mailbox, uint32(uid), nil
}

type pageToken struct {
	folder   string
	cursor   *time.Time
	afterUID uint32
}

// encode produces "folder:limit:afterUID:cursorUnixNano" with -1 for no cursor.
func (t pageToken) encode(limit int) string {
	cursor := int64(-1)
	if t.cursor != nil {
		cursor = t.cursor.UnixNano()
	}
	return fmt.Sprintf("%s:%d:%d:%d", t.folder, limit, t.afterUID, cursor)
}

func parsePageToken(s string) (pageToken, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return pageToken{}, 0, fmt.Errorf("malformed token %q", s)
	}
	limit, err := strconv.Atoi(parts[1])
	if err != nil {
		return pageToken{}, 0, err
	}
	after, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return pageToken{}, 0, err
	}
	nanos, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return pageToken{}, 0, err
	}
	tok := pageToken{folder: parts[0], afterUID: uint32(after)}
	if nanos >= 0 {
		ts := time.Unix(0, nanos).UTC()
		tok.cursor = &ts
	}
	return tok, limit, nil
}

var (
	_ out.MessageSource     = (*Provider)(nil)
	_ out.CategoryAnnotator = (*Provider)(nil)
)
