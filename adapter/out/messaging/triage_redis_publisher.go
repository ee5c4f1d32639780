package messaging

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

// Stream names
const (
	StreamRuns      = "triage:runs"
	StreamProcessed = "triage:processed"
)

// RedisPublisher implements out.RunEventPublisher using Redis Streams.
type RedisPublisher struct {
	client  redis.UniversalClient
	mailbox string
	prefix  string
	maxLen  int64
}

// NewRedisPublisher creates a new RedisPublisher. Streams are trimmed to about
// maxLen entries; zero keeps everything.
func NewRedisPublisher(client redis.UniversalClient, prefix, mailbox string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, mailbox: mailbox, maxLen: maxLen}
}

// PublishRun publishes a finished run summary.
func (p *RedisPublisher) PublishRun(ctx context.Context, summary *domain.RunSummary) error {
	return p.publish(ctx, StreamRuns, RunEvent(p.mailbox, summary))
}

// PublishProcessed publishes a newly persisted record.
func (p *RedisPublisher) PublishProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	return p.publish(ctx, StreamProcessed, RecordEvent(p.mailbox, rec))
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisPublisher) Close() error {
	return nil
}

func (p *RedisPublisher) publish(ctx context.Context, stream string, ev Event) error {
	data, err := ev.marshal()
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.prefix + stream,
		ID:     "*",
		Values: map[string]interface{}{
			"type": ev.Type,
			"id":   ev.ID,
			"data": string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", args.Stream, err)
	}
	return nil
}

var _ out.RunEventPublisher = (*RedisPublisher)(nil)
