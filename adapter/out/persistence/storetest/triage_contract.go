// Package storetest holds the behaviour every CheckpointStore implementation must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) out.CheckpointStore

func record(id string, at time.Time) domain.ProcessedRecord {
	return domain.ProcessedRecord{
		StableID:    id,
		Label:       domain.CategoryAcademic,
		Confidence:  0.8,
		Source:      domain.SourceModel,
		ProcessedAt: at,
		Subject:     "subject " + id,
		Sender:      id + "@example.edu",

		Rationale:     "forced below floor",
		RawLabel:      domain.CategorySocial,
		RawConfidence: 0.45,
	}
}

// Run executes the CheckpointStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	base := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	t.Run("empty store", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cur, err := s.GetCursor(ctx)
		if err != nil {
			t.Fatalf("GetCursor: %v", err)
		}
		if cur != nil {
			t.Errorf("GetCursor = %v, want nil", cur)
		}
		ok, err := s.IsProcessed(ctx, "missing")
		if err != nil || ok {
			t.Errorf("IsProcessed = %v, %v; want false, nil", ok, err)
		}
		recs, err := s.ListAll(ctx)
		if err != nil || len(recs) != 0 {
			t.Errorf("ListAll = %d records, %v; want 0, nil", len(recs), err)
		}
	})

	t.Run("mark and read back", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := record("<a@x>", base)
		if err := s.MarkProcessed(ctx, rec); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}
		ok, err := s.IsProcessed(ctx, "<a@x>")
		if err != nil || !ok {
			t.Fatalf("IsProcessed = %v, %v; want true, nil", ok, err)
		}

		recs, err := s.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll: %v", err)
		}
		if len(recs) != 1 {
			t.Fatalf("ListAll = %d records, want 1", len(recs))
		}
		got := recs[0]
		if got.StableID != rec.StableID || got.Label != rec.Label || got.Source != rec.Source ||
			got.Subject != rec.Subject || got.Sender != rec.Sender || got.Confidence != rec.Confidence ||
			got.Rationale != rec.Rationale || got.RawLabel != rec.RawLabel || got.RawConfidence != rec.RawConfidence {
			t.Errorf("ListAll[0] = %+v, want %+v", got, rec)
		}
		if !got.ProcessedAt.Equal(rec.ProcessedAt) {
			t.Errorf("ProcessedAt = %v, want %v", got.ProcessedAt, rec.ProcessedAt)
		}
	})

	t.Run("duplicate key is reported and ignored", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := record("<dup@x>", base)
		if err := s.MarkProcessed(ctx, first); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}
		second := first
		second.Label = domain.CategoryOther
		if err := s.MarkProcessed(ctx, second); !errors.Is(err, out.ErrDuplicateKey) {
			t.Fatalf("second MarkProcessed err = %v, want ErrDuplicateKey", err)
		}

		recs, _ := s.ListAll(ctx)
		if len(recs) != 1 || recs[0].Label != domain.CategoryAcademic {
			t.Errorf("records after duplicate = %+v, want original only", recs)
		}
	})

	t.Run("list ordered by processed time", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, id := range []string{"c", "a", "b"} {
			if err := s.MarkProcessed(ctx, record(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("MarkProcessed(%s): %v", id, err)
			}
		}
		recs, _ := s.ListAll(ctx)
		var got []string
		for _, r := range recs {
			got = append(got, r.StableID)
		}
		if fmt.Sprint(got) != "[c a b]" {
			t.Errorf("order = %v, want [c a b]", got)
		}
	})

	t.Run("cursor is monotonic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.AdvanceCursor(ctx, base); err != nil {
			t.Fatalf("AdvanceCursor: %v", err)
		}
		if err := s.AdvanceCursor(ctx, base); err != nil {
			t.Errorf("AdvanceCursor(equal) = %v, want nil", err)
		}
		if err := s.AdvanceCursor(ctx, base.Add(-time.Second)); !errors.Is(err, out.ErrNonMonotonic) {
			t.Errorf("AdvanceCursor(earlier) = %v, want ErrNonMonotonic", err)
		}
		cur, _ := s.GetCursor(ctx)
		if cur == nil || !cur.Equal(base) {
			t.Errorf("cursor after rejected move = %v, want %v", cur, base)
		}

		later := base.Add(90 * time.Minute)
		if err := s.AdvanceCursor(ctx, later); err != nil {
			t.Fatalf("AdvanceCursor(later): %v", err)
		}
		cur, _ = s.GetCursor(ctx)
		if cur == nil || !cur.Equal(later) {
			t.Errorf("cursor = %v, want %v", cur, later)
		}
	})

	t.Run("concurrent duplicate writes keep one record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		okCount := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.MarkProcessed(ctx, record("<race@x>", base))
				if err == nil {
					mu.Lock()
					okCount++
					mu.Unlock()
				} else if !errors.Is(err, out.ErrDuplicateKey) {
					t.Errorf("MarkProcessed: %v", err)
				}
			}()
		}
		wg.Wait()

		if okCount != 1 {
			t.Errorf("successful inserts = %d, want 1", okCount)
		}
		recs, _ := s.ListAll(ctx)
		if len(recs) != 1 {
			t.Errorf("records = %d, want 1", len(recs))
		}
	})

	t.Run("batch filter", func(t *testing.T) {
		s := newStore(t)
		bc, ok := s.(out.BatchChecker)
		if !ok {
			t.Skip("store does not implement BatchChecker")
		}
		ctx := context.Background()
		_ = s.MarkProcessed(ctx, record("seen-1", base))
		_ = s.MarkProcessed(ctx, record("seen-2", base))

		got, err := bc.FilterProcessed(ctx, []string{"seen-1", "new-1", "seen-2"})
		if err != nil {
			t.Fatalf("FilterProcessed: %v", err)
		}
		if len(got) != 2 || !got["seen-1"] || !got["seen-2"] || got["new-1"] {
			t.Errorf("FilterProcessed = %v", got)
		}
		empty, err := bc.FilterProcessed(ctx, nil)
		if err != nil || len(empty) != 0 {
			t.Errorf("FilterProcessed(nil) = %v, %v", empty, err)
		}
	})
}
