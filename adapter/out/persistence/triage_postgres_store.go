package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore implements out.CheckpointStore using PostgreSQL. The cursor update
// is a single conditional upsert, so several instances sharing the database never
// move it backward.
type PostgresStore struct {
	db      *sqlx.DB
	mailbox string
}

// NewPostgresStore creates a store on an open sqlx handle.
func NewPostgresStore(db *sqlx.DB, mailbox string) *PostgresStore {
	return &PostgresStore{db: db, mailbox: mailboxOrDefault(mailbox)}
}

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) IsProcessed(ctx context.Context, stableID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM triage_processed WHERE mailbox = $1 AND stable_id = $2)`

	var exists bool
	if err := s.db.GetContext(ctx, &exists, query, s.mailbox, stableID); err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) FilterProcessed(ctx context.Context, stableIDs []string) (map[string]bool, error) {
	const query = `SELECT stable_id FROM triage_processed WHERE mailbox = $1 AND stable_id = ANY($2)`

	seen := make(map[string]bool)
	if len(stableIDs) == 0 {
		return seen, nil
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, s.mailbox, pq.Array(stableIDs)); err != nil {
		return nil, fmt.Errorf("filter processed: %w", err)
	}
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	const query = `
		INSERT INTO triage_processed (mailbox, stable_id, label, confidence, source, processed_at, subject, sender,
			rationale, raw_label, raw_confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (mailbox, stable_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		s.mailbox, rec.StableID, string(rec.Label), rec.Confidence, string(rec.Source),
		rec.ProcessedAt.UTC(), rec.Subject, rec.Sender,
		rec.Rationale, string(rec.RawLabel), rec.RawConfidence)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out.ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) GetCursor(ctx context.Context) (*time.Time, error) {
	const query = `SELECT last_seen FROM triage_cursor WHERE mailbox = $1`

	var ts sql.NullTime
	err := s.db.GetContext(ctx, &ts, query, s.mailbox)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ts.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	t := ts.Time.UTC()
	return &t, nil
}

func (s *PostgresStore) AdvanceCursor(ctx context.Context, ts time.Time) error {
	const query = `
		INSERT INTO triage_cursor (mailbox, last_seen) VALUES ($1, $2)
		ON CONFLICT (mailbox) DO UPDATE SET last_seen = EXCLUDED.last_seen
		WHERE triage_cursor.last_seen IS NULL OR triage_cursor.last_seen <= EXCLUDED.last_seen
	`

	res, err := s.db.ExecContext(ctx, query, s.mailbox, ts.UTC())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out.ErrNonMonotonic
	}
	return nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]domain.ProcessedRecord, error) {
	const query = `
		SELECT stable_id, label, confidence, source, processed_at, subject, sender,
			rationale, raw_label, raw_confidence
		FROM triage_processed
		WHERE mailbox = $1
		ORDER BY processed_at, stable_id
	`

	var recs []domain.ProcessedRecord
	if err := s.db.SelectContext(ctx, &recs, query, s.mailbox); err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	for i := range recs {
		recs[i].ProcessedAt = recs[i].ProcessedAt.UTC()
	}
	if recs == nil {
		recs = []domain.ProcessedRecord{}
	}
	return recs, nil
}
