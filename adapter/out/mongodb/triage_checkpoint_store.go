package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB Checkpoint Store
// =============================================================================

const (
	collectionProcessed = "triage_processed"
	collectionCursors   = "triage_cursors"
)

type processedDoc struct {
	Mailbox                string `bson:"mailbox"`
	domain.ProcessedRecord `bson:",inline"`
}

type cursorDoc struct {
	Mailbox  string     `bson:"_id"`
	LastSeen *time.Time `bson:"last_seen"`
}

// CheckpointStore implements out.CheckpointStore using MongoDB. Records rely on a
// unique index for exactly-once inserts; the cursor is a guarded upsert, and a
// duplicate _id on that upsert means the stored cursor is later.
//
// MongoDB keeps millisecond precision, so timestamps are truncated accordingly.
type CheckpointStore struct {
	processed *mongo.Collection
	cursors   *mongo.Collection
	mailbox   string
}

// NewCheckpointStore creates a store on db for mailbox.
func NewCheckpointStore(db *mongo.Database, mailbox string) *CheckpointStore {
	if mailbox == "" {
		mailbox = "default"
	}
	return &CheckpointStore{
		processed: db.Collection(collectionProcessed),
		cursors:   db.Collection(collectionCursors),
		mailbox:   mailbox,
	}
}

// EnsureIndexes creates necessary indexes for the collections.
func (s *CheckpointStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "mailbox", Value: 1}, {Key: "stable_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "processed_at", Value: 1}},
		},
	}
	if _, err := s.processed.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Ping(ctx context.Context) error {
	return s.processed.Database().Client().Ping(ctx, nil)
}

func (s *CheckpointStore) IsProcessed(ctx context.Context, stableID string) (bool, error) {
	n, err := s.processed.CountDocuments(ctx,
		bson.M{"mailbox": s.mailbox, "stable_id": stableID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return n > 0, nil
}

func (s *CheckpointStore) FilterProcessed(ctx context.Context, stableIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(stableIDs) == 0 {
		return seen, nil
	}
	cur, err := s.processed.Find(ctx,
		bson.M{"mailbox": s.mailbox, "stable_id": bson.M{"$in": stableIDs}},
		options.Find().SetProjection(bson.M{"stable_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("filter processed: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc struct {
			StableID string `bson:"stable_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		seen[doc.StableID] = true
	}
	return seen, cur.Err()
}

func (s *CheckpointStore) MarkProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	_, err := s.processed.InsertOne(ctx, processedDoc{Mailbox: s.mailbox, ProcessedRecord: rec})
	if mongo.IsDuplicateKeyError(err) {
		return out.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *CheckpointStore) GetCursor(ctx context.Context) (*time.Time, error) {
	var doc cursorDoc
	err := s.cursors.FindOne(ctx, bson.M{"_id": s.mailbox}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	if doc.LastSeen == nil {
		return nil, nil
	}
	ts := doc.LastSeen.UTC()
	return &ts, nil
}

func (s *CheckpointStore) AdvanceCursor(ctx context.Context, ts time.Time) error {
	filter := bson.M{
		"_id": s.mailbox,
		"$or": bson.A{
			bson.M{"last_seen": bson.M{"$lte": ts.UTC()}},
			bson.M{"last_seen": nil},
		},
	}
	update := bson.M{"$set": bson.M{"last_seen": ts.UTC()}}

	_, err := s.cursors.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return out.ErrNonMonotonic
	}
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func (s *CheckpointStore) ListAll(ctx context.Context) ([]domain.ProcessedRecord, error) {
	cur, err := s.processed.Find(ctx, bson.M{"mailbox": s.mailbox},
		options.Find().SetSort(bson.D{{Key: "processed_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	defer cur.Close(ctx)

	recs := []domain.ProcessedRecord{}
	for cur.Next(ctx) {
		var doc processedDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		doc.ProcessedRecord.ProcessedAt = doc.ProcessedRecord.ProcessedAt.UTC()
		recs = append(recs, doc.ProcessedRecord)
	}
	return recs, cur.Err()
}
