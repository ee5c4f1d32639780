package out

import (
	"context"
	"time"

	"triage_server/core/domain"
)

// RunEventPublisher announces finished runs and newly processed records to
// downstream consumers.
type RunEventPublisher interface {
	PublishRun(ctx context.Context, summary *domain.RunSummary) error
	PublishProcessed(ctx context.Context, rec domain.ProcessedRecord) error
	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
