package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go sqlite driver for database/sql
)

// SQLiteStore is a file-backed CheckpointStore for single-node deployments.
// Timestamps are stored as unix nanoseconds so the cursor compares numerically.
type SQLiteStore struct {
	db      *sqlx.DB
	mailbox string
}

// sqliteRecordRow represents the database row for a processed record.
type sqliteRecordRow struct {
	StableID    string  `db:"stable_id"`
	Label       string  `db:"label"`
	Confidence  float64 `db:"confidence"`
	Source      string  `db:"source"`
	ProcessedAt int64   `db:"processed_at"`
	Subject     string  `db:"subject"`
	Sender      string  `db:"sender"`

	Rationale     string  `db:"rationale"`
	RawLabel      string  `db:"raw_label"`
	RawConfidence float64 `db:"raw_confidence"`
}

func (r *sqliteRecordRow) toDomain() domain.ProcessedRecord {
	return domain.ProcessedRecord{
		StableID:    r.StableID,
		Label:       domain.Category(r.Label),
		Confidence:  r.Confidence,
		Source:      domain.OutcomeSource(r.Source),
		ProcessedAt: time.Unix(0, r.ProcessedAt).UTC(),
		Subject:     r.Subject,
		Sender:      r.Sender,

		Rationale:     r.Rationale,
		RawLabel:      domain.Category(r.RawLabel),
		RawConfidence: r.RawConfidence,
	}
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path, mailbox string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps sqlite free of SQLITE_BUSY under the orchestrator's serialized writes
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db, mailbox: mailboxOrDefault(mailbox)}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) IsProcessed(ctx context.Context, stableID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM triage_processed WHERE mailbox = ? AND stable_id = ?`, s.mailbox, stableID)
	if err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) FilterProcessed(ctx context.Context, stableIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(stableIDs) == 0 {
		return seen, nil
	}
	query, args, err := sqlx.In(
		`SELECT stable_id FROM triage_processed WHERE mailbox = ? AND stable_id IN (?)`, s.mailbox, stableIDs)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("filter processed: %w", err)
	}
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO triage_processed (mailbox, stable_id, label, confidence, source, processed_at, subject, sender,
			rationale, raw_label, raw_confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mailbox, stable_id) DO NOTHING`,
		s.mailbox, rec.StableID, string(rec.Label), rec.Confidence, string(rec.Source),
		rec.ProcessedAt.UnixNano(), rec.Subject, rec.Sender,
		rec.Rationale, string(rec.RawLabel), rec.RawConfidence)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out.ErrDuplicateKey
	}
	return nil
}

func (s *SQLiteStore) GetCursor(ctx context.Context) (*time.Time, error) {
	var nanos sql.NullInt64
	err := s.db.GetContext(ctx, &nanos, `SELECT last_seen FROM triage_cursor WHERE mailbox = ?`, s.mailbox)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !nanos.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	ts := time.Unix(0, nanos.Int64).UTC()
	return &ts, nil
}

func (s *SQLiteStore) AdvanceCursor(ctx context.Context, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO triage_cursor (mailbox, last_seen) VALUES (?, ?)
		ON CONFLICT (mailbox) DO UPDATE SET last_seen = excluded.last_seen
		WHERE triage_cursor.last_seen IS NULL OR triage_cursor.last_seen <= excluded.last_seen`,
		s.mailbox, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out.ErrNonMonotonic
	}
	return nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]domain.ProcessedRecord, error) {
	var rows []sqliteRecordRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT stable_id, label, confidence, source, processed_at, subject, sender,
			rationale, raw_label, raw_confidence
		FROM triage_processed
		WHERE mailbox = ?
		ORDER BY processed_at, rowid`, s.mailbox)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	recs := make([]domain.ProcessedRecord, len(rows))
	for i := range rows {
		recs[i] = rows[i].toDomain()
	}
	return recs, nil
}
