// Package messaging publishes run and record events to Redis Streams or NATS JetStream.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

// Event types
const (
	EventRunFinished     = "run.finished"
	EventRecordProcessed = "record.processed"
)

// Event is the envelope written to every transport.
type Event struct {
	Type       string                  `json:"type"`
	ID         string                  `json:"id"`
	Mailbox    string                  `json:"mailbox"`
	OccurredAt time.Time               `json:"occurred_at"`
	Run        *domain.RunSummary      `json:"run,omitempty"`
	Record     *domain.ProcessedRecord `json:"record,omitempty"`
}

// RunEvent wraps a finished run. The id is the run id.
func RunEvent(mailbox string, summary *domain.RunSummary) Event {
	return Event{
		Type:       EventRunFinished,
		ID:         summary.RunID,
		Mailbox:    mailbox,
		OccurredAt: summary.FinishedAt,
		Run:        summary,
	}
}

// RecordEvent wraps a processed record. The id is the stable id, so transports
// that dedup by id publish each record once.
func RecordEvent(mailbox string, rec domain.ProcessedRecord) Event {
	return Event{
		Type:       EventRecordProcessed,
		ID:         rec.StableID,
		Mailbox:    mailbox,
		OccurredAt: rec.ProcessedAt,
		Record:     &rec,
	}
}

func (e Event) marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}
	return data, nil
}

// Noop discards every event.
type Noop struct{}

func (Noop) PublishRun(context.Context, *domain.RunSummary) error         { return nil }
func (Noop) PublishProcessed(context.Context, domain.ProcessedRecord) error { return nil }
func (Noop) Close() error                                                 { return nil }

var _ out.RunEventPublisher = Noop{}
