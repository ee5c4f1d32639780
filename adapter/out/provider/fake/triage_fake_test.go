package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"triage_server/core/domain"
)

func TestMailbox_PagingAndCursor(t *testing.T) {
	end := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMailbox()
	m.Add(domain.FolderInbox, DemoMessages(end)...)
	ctx := context.Background()

	var got []domain.MessageSummary
	page, err := m.FetchSince(ctx, domain.FolderInbox, nil, 5)
	for err == nil {
		got = append(got, page.Messages...)
		if !page.HasMore {
			break
		}
		page, err = m.FetchPage(ctx, page.NextToken)
	}
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 18 {
		t.Fatalf("got %d messages, want 18", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ReceivedAt.Before(got[i-1].ReceivedAt) {
			t.Fatalf("not ascending at %d", i)
		}
	}

	cursor := got[15].ReceivedAt
	page, err = m.FetchSince(ctx, domain.FolderInbox, &cursor, 50)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Errorf("inclusive cursor returned %d messages, want 3", len(page.Messages))
	}
}

func TestMailbox_FetchErrors(t *testing.T) {
	m := NewMailbox()
	boom := errors.New("boom")
	m.FetchErrors = []error{boom, nil}

	if _, err := m.FetchSince(context.Background(), domain.FolderInbox, nil, 10); !errors.Is(err, boom) {
		t.Errorf("first call error = %v", err)
	}
	if _, err := m.FetchSince(context.Background(), domain.FolderInbox, nil, 10); err != nil {
		t.Errorf("second call error = %v", err)
	}
	if m.FetchCalls() != 2 {
		t.Errorf("FetchCalls = %d", m.FetchCalls())
	}
}

func TestMailbox_ApplyLabel(t *testing.T) {
	m := NewMailbox()
	ctx := context.Background()

	_ = m.ApplyLabel(ctx, "p1", domain.CategoryUrgent)
	_ = m.ApplyLabel(ctx, "p1", domain.CategoryUrgent)
	_ = m.ApplyLabel(ctx, "p1", domain.CategorySocial)
	if got := m.Labels("p1"); len(got) != 2 {
		t.Errorf("labels = %v", got)
	}

	m.AnnotateError = func(id string) error { return errors.New("nope") }
	if err := m.ApplyLabel(ctx, "p2", domain.CategoryOther); err == nil {
		t.Error("expected hook error")
	}
	if len(m.Labels("p2")) != 0 {
		t.Error("failed annotation must not tag")
	}
}
