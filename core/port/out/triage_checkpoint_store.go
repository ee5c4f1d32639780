// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"triage_server/core/domain"
)

var (
	// ErrDuplicateKey is returned by MarkProcessed when the stable id is already recorded.
	// Callers treat it as a no-op.
	ErrDuplicateKey = errors.New("checkpoint: duplicate stable id")

	// ErrNonMonotonic is returned by AdvanceCursor when the new value is earlier than
	// the stored one. The stored cursor is left untouched.
	ErrNonMonotonic = errors.New("checkpoint: cursor would move backward")
)

// CheckpointStore persists the run cursor and the append-only set of processed records.
//
// The contract is a serial log: a single process writes through one orchestrator at a
// time. Implementations backed by shared storage compare-and-set the cursor so several
// instances never move it backward.
type CheckpointStore interface {
	IsProcessed(ctx context.Context, stableID string) (bool, error)
	MarkProcessed(ctx context.Context, rec domain.ProcessedRecord) error
	// GetCursor returns nil when no run has completed yet.
	GetCursor(ctx context.Context) (*time.Time, error)
	AdvanceCursor(ctx context.Context, ts time.Time) error
	// ListAll returns every record ordered by ProcessedAt.
	ListAll(ctx context.Context) ([]domain.ProcessedRecord, error)
}

// BatchChecker is implemented by stores that can test many ids in one round trip.
// The returned map only contains ids that are already processed.
type BatchChecker interface {
	FilterProcessed(ctx context.Context, stableIDs []string) (map[string]bool, error)
}

// Pinger is implemented by stores with a remote backend that can be health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}
