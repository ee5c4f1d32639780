package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// cursorLayout is fixed width so Lua can compare cursors as strings.
const cursorLayout = "2006-01-02T15:04:05.000000000Z"

// markScript inserts the record only when absent and indexes it by processed time.
var markScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// advanceScript sets the cursor unless the stored value is later.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur > ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// RedisStore implements out.CheckpointStore on Redis. Records live in a hash
// keyed by stable id, ordered through a sorted set; both writes and the cursor
// compare-and-set run as Lua scripts.
type RedisStore struct {
	client     redis.UniversalClient
	recordsKey string
	orderKey   string
	cursorKey  string
}

// NewRedisStore creates a store using keys under prefix:mailbox.
func NewRedisStore(client redis.UniversalClient, prefix, mailbox string) *RedisStore {
	if prefix == "" {
		prefix = "triage"
	}
	base := prefix + ":" + mailboxOrDefault(mailbox)
	return &RedisStore{
		client:     client,
		recordsKey: base + ":records",
		orderKey:   base + ":order",
		cursorKey:  base + ":cursor",
	}
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) IsProcessed(ctx context.Context, stableID string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.recordsKey, stableID).Result()
	if err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) FilterProcessed(ctx context.Context, stableIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(stableIDs) == 0 {
		return seen, nil
	}
	vals, err := s.client.HMGet(ctx, s.recordsKey, stableIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("filter processed: %w", err)
	}
	for i, v := range vals {
		if v != nil {
			seen[stableIDs[i]] = true
		}
	}
	return seen, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	score := float64(rec.ProcessedAt.UnixMilli())

	inserted, err := markScript.Run(ctx, s.client,
		[]string{s.recordsKey, s.orderKey}, rec.StableID, payload, score).Int()
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if inserted == 0 {
		return out.ErrDuplicateKey
	}
	return nil
}

func (s *RedisStore) GetCursor(ctx context.Context) (*time.Time, error) {
	raw, err := s.client.Get(ctx, s.cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	ts, err := time.Parse(cursorLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("decode cursor %q: %w", raw, err)
	}
	return &ts, nil
}

func (s *RedisStore) AdvanceCursor(ctx context.Context, ts time.Time) error {
	ok, err := advanceScript.Run(ctx, s.client, []string{s.cursorKey}, ts.UTC().Format(cursorLayout)).Int()
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if ok == 0 {
		return out.ErrNonMonotonic
	}
	return nil
}

func (s *RedisStore) ListAll(ctx context.Context) ([]domain.ProcessedRecord, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list order: %w", err)
	}
	recs := make([]domain.ProcessedRecord, 0, len(ids))
	if len(ids) == 0 {
		return recs, nil
	}

	vals, err := s.client.HMGet(ctx, s.recordsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.ProcessedRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
