package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

// DefaultStream is the JetStream stream holding triage events.
const DefaultStream = "TRIAGE_EVENTS"

// NatsPublisher implements out.RunEventPublisher on NATS JetStream. Messages
// carry a Nats-Msg-Id so JetStream drops re-published records.
type NatsPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	stream  string
	mailbox string
}

// NewNatsPublisher connects to url and ensures the stream exists.
func NewNatsPublisher(url, stream, mailbox string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("triage-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if stream == "" {
		stream = DefaultStream
	}
	p := &NatsPublisher{nc: nc, js: js, stream: stream, mailbox: mailbox}
	if err := p.EnsureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// EnsureStream creates the stream when it does not exist yet.
func (p *NatsPublisher) EnsureStream() error {
	if info, err := p.js.StreamInfo(p.stream); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{"triage.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject returns the subject an event type is published on.
func (p *NatsPublisher) Subject(eventType string) string {
	return Subject(p.mailbox, eventType)
}

// Subject builds "triage.<mailbox>.<event type>".
func Subject(mailbox, eventType string) string {
	if mailbox == "" {
		mailbox = "default"
	}
	return "triage." + mailbox + "." + eventType
}

// PublishRun publishes a finished run summary.
func (p *NatsPublisher) PublishRun(ctx context.Context, summary *domain.RunSummary) error {
	return p.publish(ctx, RunEvent(p.mailbox, summary))
}

// PublishProcessed publishes a newly persisted record.
func (p *NatsPublisher) PublishProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	return p.publish(ctx, RecordEvent(p.mailbox, rec))
}

func (p *NatsPublisher) publish(ctx context.Context, ev Event) error {
	data, err := ev.marshal()
	if err != nil {
		return err
	}
	subject := p.Subject(ev.Type)
	if _, err := p.js.Publish(subject, data, nats.MsgId(ev.Type+":"+ev.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *NatsPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

var _ out.RunEventPublisher = (*NatsPublisher)(nil)
