// Package fake provides an in-memory mailbox for local runs and tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

const providerName = "fake"

// Mailbox implements out.MessageSource and out.CategoryAnnotator over a slice of
// messages. Failure hooks let tests script provider behaviour.
type Mailbox struct {
	mu      sync.Mutex
	folders map[string][]domain.MessageSummary
	labels  map[string][]string

	// FetchErrors are returned, in order, by the next fetch calls.
	FetchErrors []error
	// AnnotateError, when set, decides the error for each ApplyLabel call.
	AnnotateError func(providerID string) error

	fetchCalls    int
	annotateCalls int
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		folders: make(map[string][]domain.MessageSummary),
		labels:  make(map[string][]string),
	}
}

// Add appends messages to folder.
func (m *Mailbox) Add(folder string, msgs ...domain.MessageSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[folder] = append(m.folders[folder], msgs...)
}

// Labels returns the tags applied to providerID.
func (m *Mailbox) Labels(providerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.labels[providerID]...)
}

// FetchCalls returns how many fetch calls reached the mailbox.
func (m *Mailbox) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// AnnotateCalls returns how many ApplyLabel calls reached the mailbox.
func (m *Mailbox) AnnotateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.annotateCalls
}

// Name returns the provider name.
func (m *Mailbox) Name() string {
	return providerName
}

// FetchSince returns messages with ReceivedAt >= cursor, oldest first.
func (m *Mailbox) FetchSince(ctx context.Context, folder string, cursor *time.Time, limit int) (*out.FetchPage, error) {
	if !domain.ValidFolder(folder) {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unknown folder "+folder, nil, false)
	}
	return m.page(ctx, folder, cursor, 0, limit)
}

// FetchPage continues a listing. Tokens are "folder|offset|limit|cursorNanos".
func (m *Mailbox) FetchPage(ctx context.Context, token string) (*out.FetchPage, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 4 {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "bad page token", nil, false)
	}
	offset, err1 := strconv.Atoi(parts[1])
	limit, err2 := strconv.Atoi(parts[2])
	nanos, err3 := strconv.ParseInt(parts[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "bad page token", nil, false)
	}
	var cursor *time.Time
	if nanos >= 0 {
		ts := time.Unix(0, nanos).UTC()
		cursor = &ts
	}
	return m.page(ctx, parts[0], cursor, offset, limit)
}

func (m *Mailbox) page(ctx context.Context, folder string, cursor *time.Time, offset, limit int) (*out.FetchPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchCalls++
	if len(m.FetchErrors) > 0 {
		err := m.FetchErrors[0]
		m.FetchErrors = m.FetchErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = 50
	}

	var matched []domain.MessageSummary
	for _, msg := range m.folders[folder] {
		if cursor == nil || !msg.ReceivedAt.Before(*cursor) {
			matched = append(matched, msg)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ReceivedAt.Before(matched[j].ReceivedAt) })

	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	page := &out.FetchPage{Messages: append([]domain.MessageSummary(nil), matched[offset:end]...)}
	if end < len(matched) {
		nanos := int64(-1)
		if cursor != nil {
			nanos = cursor.UnixNano()
		}
		page.HasMore = true
		page.NextToken = fmt.Sprintf("%s|%d|%d|%d", folder, end, limit, nanos)
	}
	return page, nil
}

// ApplyLabel appends label to the message's tags unless already present.
func (m *Mailbox) ApplyLabel(ctx context.Context, providerID string, label domain.Category) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.annotateCalls++
	hook := m.AnnotateError
	m.mu.Unlock()

	if hook != nil {
		if err := hook(providerID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.labels[providerID] {
		if l == label.String() {
			return nil
		}
	}
	m.labels[providerID] = append(m.labels[providerID], label.String())
	return nil
}

// =============================================================================
// Demo data
// =============================================================================

var demoSubjects = map[domain.Category][3][2]string{
	domain.CategoryUrgent: {
		{"URGENT: server down", "Production is down, respond immediately."},
		{"Deadline today", "The report is due today by 5pm, asap please."},
		{"Action needed asap", "Reply asap, this cannot wait."},
	},
	domain.CategoryAcademic: {
		{"Homework 3 posted", "The new assignment is on the course page."},
		{"Exam room change", "The midterm exam moves to hall B."},
		{"Lecture notes", "Slides from the professor's lecture are attached."},
	},
	domain.CategoryAdministrative: {
		{"Registration opens", "Course registration opens Monday."},
		{"Tuition statement", "Your tuition statement from the bursar is ready."},
		{"Update your form", "Please submit the housing form to the registrar."},
	},
	domain.CategorySocial: {
		{"Party Saturday", "Join us for a party at the club house."},
		{"Club event", "RSVP for the spring event."},
		{"Study group gathering", "A small gathering after class, all welcome."},
	},
	domain.CategoryPromotional: {
		{"50% discount", "Limited time discount on all items."},
		{"Weekly newsletter", "Our newsletter. Click to unsubscribe."},
		{"Special offer", "An exclusive offer just for you."},
	},
	domain.CategoryOther: {
		{"Hello", "Just checking in."},
		{"Photos", "Here are the pictures you asked for."},
		{"Re: lunch", "Sounds good, see you then."},
	},
}

// DemoMessages returns three messages per category, one minute apart, ending at end.
func DemoMessages(end time.Time) []domain.MessageSummary {
	msgs := make([]domain.MessageSummary, 0, 18)
	i := 0
	for _, cat := range domain.AllCategories {
		for j, sb := range demoSubjects[cat] {
			id := fmt.Sprintf("demo-%s-%d", strings.ToLower(cat.String()), j+1)
			msgs = append(msgs, domain.MessageSummary{
				ProviderID:  id,
				StableID:    "<" + id + "@triage.local>",
				Sender:      fmt.Sprintf("sender%d@example.edu", i+1),
				Subject:     sb[0],
				BodyExcerpt: sb[1],
				ReceivedAt:  end.Add(time.Duration(i-17) * time.Minute).UTC(),
			})
			i++
		}
	}
	return msgs
}

var (
	_ out.MessageSource     = (*Mailbox)(nil)
	_ out.CategoryAnnotator = (*Mailbox)(nil)
)
