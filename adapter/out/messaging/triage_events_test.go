package messaging

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"triage_server/core/domain"
)

func TestRecordEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := domain.ProcessedRecord{
		StableID:    "<a@x>",
		Label:       domain.CategoryUrgent,
		Confidence:  0.9,
		Source:      domain.SourceModel,
		ProcessedAt: at,
	}

	ev := RecordEvent("alice", rec)
	if ev.ID != "<a@x>" || ev.Type != EventRecordProcessed || !ev.OccurredAt.Equal(at) {
		t.Errorf("event = %+v", ev)
	}

	data, err := ev.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["run"]; ok {
		t.Error("record event should omit run")
	}
	record, _ := decoded["record"].(map[string]any)
	if record["label"] != "URGENT" {
		t.Errorf("record = %v", record)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		mailbox, eventType, want string
	}{
		{"alice", EventRunFinished, "triage.alice.run.finished"},
		{"", EventRecordProcessed, "triage.default.record.processed"},
	}
	for _, tt := range tests {
		if got := Subject(tt.mailbox, tt.eventType); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.mailbox, tt.eventType, got, tt.want)
		}
	}
}

func TestNoop(t *testing.T) {
	var n Noop
	if err := n.PublishRun(context.Background(), &domain.RunSummary{}); err != nil {
		t.Error(err)
	}
	if err := n.Close(); err != nil {
		t.Error(err)
	}
}

func TestRedisPublisher(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	prefix := "test:" + time.Now().Format("150405.000000") + ":"
	p := NewRedisPublisher(client, prefix, "default", 100)
	defer client.Del(ctx, prefix+StreamRuns)

	summary := domain.NewRunSummary("run-1", domain.FolderInbox, time.Now())
	if err := p.PublishRun(ctx, summary); err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	msgs, err := client.XRange(ctx, prefix+StreamRuns, "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Values["id"] != "run-1" {
		t.Errorf("stream = %+v", msgs)
	}
}
