package triage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"triage_server/adapter/out/persistence"
	"triage_server/adapter/out/provider/fake"
	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/core/service/classification"
	"triage_server/pkg/apperr"
	"triage_server/pkg/metrics"
	"triage_server/pkg/resilience"
)

var demoEnd = time.Date(2024, 9, 2, 12, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type stubBackend struct {
	result *out.LabelResult
	err    error
}

func (b *stubBackend) Label(context.Context, out.LabelRequest) (*out.LabelResult, error) {
	return b.result, b.err
}

type stubCreds struct {
	refreshes atomic.Int32
	err       error
}

func (c *stubCreds) Token(context.Context) (string, error) { return "token", nil }
func (c *stubCreds) Refresh(context.Context) error {
	c.refreshes.Add(1)
	return c.err
}

// failingStore fails MarkProcessed for one stable id.
type failingStore struct {
	*persistence.MemoryStore
	failID string
}

func (s *failingStore) MarkProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	if rec.StableID == s.failID {
		return errors.New("disk full")
	}
	return s.MemoryStore.MarkProcessed(ctx, rec)
}

type fixture struct {
	orch    *Orchestrator
	store   out.CheckpointStore
	mailbox *fake.Mailbox
	creds   *stubCreds
	metrics *metrics.Registry
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FetchPageSize = 5
	cfg.ClassifyConcurrency = 3
	fast := resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	cfg.FetchRetry = fast
	cfg.AnnotateRetry = fast
	return cfg
}

func newFixture(t *testing.T, backend out.LabelBackend, store out.CheckpointStore) *fixture {
	t.Helper()
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	reg := metrics.NewRegistry(10)
	ccfg := classification.DefaultConfig()
	ccfg.Timeout = 50 * time.Millisecond
	mb := fake.NewMailbox()
	creds := &stubCreds{}
	orch := NewOrchestrator(Deps{
		Store:       store,
		Source:      mb,
		Classifier:  classification.NewClassifier(backend, nil, ccfg, reg),
		Annotator:   mb,
		Credentials: creds,
		Clock:       &stepClock{now: demoEnd},
		Metrics:     reg,
	}, testConfig())
	return &fixture{orch: orch, store: store, mailbox: mb, creds: creds, metrics: reg}
}

func msg(id string, at time.Time, subject string) domain.MessageSummary {
	return domain.MessageSummary{
		ProviderID: "p-" + id,
		StableID:   "<" + id + "@test>",
		Sender:     "someone@example.edu",
		Subject:    subject,
		ReceivedAt: at,
	}
}

func cursorOf(t *testing.T, store out.CheckpointStore) *time.Time {
	t.Helper()
	c, err := store.GetCursor(context.Background())
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	return c
}

func TestOrchestrator_DemoScenario(t *testing.T) {
	f := newFixture(t, &stubBackend{err: errors.New("backend down")}, nil)
	f.mailbox.Add(domain.FolderInbox, fake.DemoMessages(demoEnd)...)

	summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", summary.Status)
	}
	if summary.ProcessedCount != 18 {
		t.Errorf("processed = %d, want 18", summary.ProcessedCount)
	}
	for _, c := range domain.AllCategories {
		if got := summary.CategoryCounts[c]; got != 3 {
			t.Errorf("CategoryCounts[%s] = %d, want 3", c, got)
		}
	}
	if summary.SourceCounts[domain.SourceModel] != 0 {
		t.Errorf("model outcomes = %d, want 0", summary.SourceCounts[domain.SourceModel])
	}
	if summary.SourceCounts[domain.SourceFallback] != 18 {
		t.Errorf("fallback outcomes = %d, want 18", summary.SourceCounts[domain.SourceFallback])
	}
	if summary.NewCheckpoint == nil || !summary.NewCheckpoint.Equal(demoEnd) {
		t.Errorf("new checkpoint = %v, want %v", summary.NewCheckpoint, demoEnd)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("failures = %v, want none", summary.Failures)
	}
	if len(summary.Emails) != 18 {
		t.Errorf("emails = %d, want 18", len(summary.Emails))
	}
	for _, e := range summary.Emails {
		if !e.Annotated {
			t.Errorf("email %s not annotated", e.StableID)
		}
	}
	if f.orch.State() != domain.StateIdle {
		t.Errorf("state = %s, want IDLE", f.orch.State())
	}

	second, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if second.ProcessedCount != 0 {
		t.Errorf("second run processed = %d, want 0", second.ProcessedCount)
	}
	recs, _ := f.orch.ListProcessed(context.Background())
	if len(recs) != 18 {
		t.Errorf("records = %d, want 18", len(recs))
	}
}

func TestOrchestrator_Idempotent(t *testing.T) {
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "ACADEMIC", Confidence: 0.9}}, nil)
	base := demoEnd.Add(-time.Hour)
	f.mailbox.Add(domain.FolderInbox,
		msg("a", base, "one"),
		msg("b", base.Add(time.Minute), "two"),
	)

	if _, err := f.orch.RunOnce(context.Background(), domain.FolderInbox); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	first := cursorOf(t, f.store)

	// Same timestamp as the cursor: fetched again by the inclusive boundary, deduped by id.
	f.mailbox.Add(domain.FolderInbox, msg("c", base.Add(time.Minute), "three"))

	summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.ProcessedCount != 1 {
		t.Errorf("processed = %d, want 1", summary.ProcessedCount)
	}
	if summary.SkippedDuplicates != 1 {
		t.Errorf("duplicates = %d, want 1", summary.SkippedDuplicates)
	}

	recs, _ := f.store.ListAll(context.Background())
	seen := map[string]int{}
	for _, r := range recs {
		seen[r.StableID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("record %s stored %d times", id, n)
		}
	}
	if len(recs) != 3 {
		t.Errorf("records = %d, want 3", len(recs))
	}

	third, _ := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if third.ProcessedCount != 0 {
		t.Errorf("third run processed = %d, want 0", third.ProcessedCount)
	}
	if got := cursorOf(t, f.store); got.Before(*first) {
		t.Errorf("cursor moved backward: %v < %v", got, first)
	}
	// Labels are never applied twice.
	if got := f.mailbox.Labels("p-a"); len(got) != 1 {
		t.Errorf("labels for a = %v, want one", got)
	}
}

func TestOrchestrator_ConfidenceFloor(t *testing.T) {
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "ACADEMIC", Confidence: 0.4, Reasoning: "maybe coursework"}}, nil)
	f.mailbox.Add(domain.FolderInbox, msg("a", demoEnd, "Homework"))

	summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	recs, _ := f.store.ListAll(context.Background())
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Label != domain.CategoryOther || recs[0].Source != domain.SourceModel || recs[0].Confidence != 0.4 {
		t.Errorf("record = %+v, want OTHER/model/0.4", recs[0])
	}
	if recs[0].RawLabel != domain.CategoryAcademic || recs[0].RawConfidence != 0.4 || recs[0].Rationale != "maybe coursework" {
		t.Errorf("record audit fields = %q/%v/%q, want ACADEMIC/0.4/maybe coursework",
			recs[0].RawLabel, recs[0].RawConfidence, recs[0].Rationale)
	}
	if len(summary.Emails) != 1 {
		t.Fatalf("summary emails = %d, want 1", len(summary.Emails))
	}
	if e := summary.Emails[0]; e.RawLabel != domain.CategoryAcademic || e.Rationale != "maybe coursework" {
		t.Errorf("summary email = %+v, want raw ACADEMIC with rationale", e)
	}
	if summary.CategoryCounts[domain.CategoryOther] != 1 {
		t.Errorf("OTHER count = %d, want 1", summary.CategoryCounts[domain.CategoryOther])
	}
	if got := f.mailbox.Labels("p-a"); len(got) != 1 || got[0] != "OTHER" {
		t.Errorf("labels = %v, want [OTHER]", got)
	}
}

func TestOrchestrator_FallbackUrgent(t *testing.T) {
	f := newFixture(t, &stubBackend{err: errors.New("connection refused")}, nil)
	f.mailbox.Add(domain.FolderInbox, msg("a", demoEnd, "URGENT: submit by tonight"))

	if _, err := f.orch.RunOnce(context.Background(), domain.FolderInbox); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	recs, _ := f.store.ListAll(context.Background())
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Label != domain.CategoryUrgent || r.Source != domain.SourceFallback || r.Confidence != 0.3 {
		t.Errorf("record = %+v, want URGENT/fallback/0.3", r)
	}
	if f.metrics.FallbackOutcomes.Load() != 1 {
		t.Errorf("fallback counter = %d, want 1", f.metrics.FallbackOutcomes.Load())
	}
}

func TestOrchestrator_PartialAnnotationFailure(t *testing.T) {
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.8}}, nil)
	base := demoEnd.Add(-10 * time.Minute)
	f.mailbox.Add(domain.FolderInbox,
		msg("a", base, "x"),
		msg("b", base.Add(time.Minute), "y"),
		msg("c", base.Add(2*time.Minute), "z"),
	)
	f.mailbox.AnnotateError = func(providerID string) error {
		if providerID == "p-b" {
			return out.NewProviderError("fake", out.ProviderErrNotFound, "message gone", nil, false)
		}
		return nil
	}

	summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.ProcessedCount != 3 {
		t.Errorf("processed = %d, want 3", summary.ProcessedCount)
	}
	if len(summary.Failures) != 1 {
		t.Fatalf("failures = %v, want exactly one", summary.Failures)
	}
	if fl := summary.Failures[0]; fl.StableID != "<b@test>" || fl.Stage != domain.StageAnnotate {
		t.Errorf("failure = %+v", fl)
	}
	if summary.AnnotationFailures != 1 {
		t.Errorf("annotation failures = %d, want 1", summary.AnnotationFailures)
	}
	if ok, _ := f.store.IsProcessed(context.Background(), "<b@test>"); !ok {
		t.Error("record for b should survive the annotation failure")
	}
	if got := cursorOf(t, f.store); got == nil || !got.Equal(base.Add(2*time.Minute)) {
		t.Errorf("cursor = %v, want last message time", got)
	}
}

func TestOrchestrator_TransientAnnotationRetried(t *testing.T) {
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.8}}, nil)
	f.mailbox.Add(domain.FolderInbox, msg("a", demoEnd, "x"))
	var calls atomic.Int32
	f.mailbox.AnnotateError = func(string) error {
		if calls.Add(1) == 1 {
			return out.NewProviderError("fake", out.ProviderErrRateLimit, "slow down", nil, true)
		}
		return nil
	}

	summary, _ := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if len(summary.Failures) != 0 {
		t.Errorf("failures = %v, want none", summary.Failures)
	}
	if calls.Load() != 2 {
		t.Errorf("annotate calls = %d, want 2", calls.Load())
	}
}

func TestOrchestrator_PersistFailureHoldsCursor(t *testing.T) {
	store := &failingStore{MemoryStore: persistence.NewMemoryStore(), failID: "<b@test>"}
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.8}}, store)
	base := demoEnd.Add(-10 * time.Minute)
	f.mailbox.Add(domain.FolderInbox,
		msg("a", base, "x"),
		msg("b", base.Add(time.Minute), "y"),
		msg("c", base.Add(2*time.Minute), "z"),
	)

	summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.ProcessedCount != 2 {
		t.Errorf("processed = %d, want 2", summary.ProcessedCount)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Stage != domain.StagePersist {
		t.Errorf("failures = %v, want one persist failure", summary.Failures)
	}
	if len(f.mailbox.Labels("p-b")) != 0 {
		t.Error("unrecorded message must not be annotated")
	}
	if got := cursorOf(t, store); got == nil || !got.Equal(base.Add(time.Minute)) {
		t.Errorf("cursor = %v, want time of the failed message", got)
	}

	store.failID = ""
	second, _ := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if second.ProcessedCount != 1 {
		t.Errorf("second run processed = %d, want 1", second.ProcessedCount)
	}
	if ok, _ := store.IsProcessed(context.Background(), "<b@test>"); !ok {
		t.Error("b should be recorded on the retry run")
	}
}

func TestOrchestrator_FetchFailureKeepsCursor(t *testing.T) {
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.8}}, nil)
	f.mailbox.Add(domain.FolderInbox, msg("a", demoEnd.Add(-time.Hour), "x"))
	if _, err := f.orch.RunOnce(context.Background(), domain.FolderInbox); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	before := cursorOf(t, f.store)

	f.mailbox.Add(domain.FolderInbox, msg("b", demoEnd, "y"))
	unavailable := out.NewProviderError("fake", out.ProviderErrServer, "503", nil, true)
	f.mailbox.FetchErrors = []error{unavailable, unavailable, unavailable}

	summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if !apperr.IsCode(err, apperr.CodeUnavailable) {
		t.Fatalf("err = %v, want SOURCE_UNAVAILABLE", err)
	}
	if summary.Status != domain.RunFailed {
		t.Errorf("status = %s, want failed", summary.Status)
	}
	if f.orch.State() != domain.StateFailed {
		t.Errorf("state = %s, want FAILED", f.orch.State())
	}
	if got := cursorOf(t, f.store); !got.Equal(*before) {
		t.Errorf("cursor = %v, want unchanged %v", got, before)
	}
	if ok, _ := f.store.IsProcessed(context.Background(), "<b@test>"); ok {
		t.Error("nothing should be recorded by a failed fetch")
	}

	// The next run recovers.
	summary, err = f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil || summary.ProcessedCount != 1 {
		t.Errorf("recovery run = %+v, %v", summary, err)
	}
}

func TestOrchestrator_AuthRefresh(t *testing.T) {
	expired := out.NewProviderError("fake", out.ProviderErrTokenExpired, "401", nil, false)

	t.Run("refreshes once and retries", func(t *testing.T) {
		f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.8}}, nil)
		f.mailbox.Add(domain.FolderInbox, msg("a", demoEnd, "x"))
		f.mailbox.FetchErrors = []error{expired}

		summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
		if err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		if summary.ProcessedCount != 1 {
			t.Errorf("processed = %d, want 1", summary.ProcessedCount)
		}
		if n := f.creds.refreshes.Load(); n != 1 {
			t.Errorf("refreshes = %d, want 1", n)
		}
	})

	t.Run("second expiry fails the run", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.mailbox.Add(domain.FolderInbox, msg("a", demoEnd, "x"))
		f.mailbox.FetchErrors = []error{expired, expired}

		summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
		if !apperr.IsCode(err, apperr.CodeAuthExpired) {
			t.Fatalf("err = %v, want AUTH_EXPIRED", err)
		}
		if summary.Status != domain.RunFailed {
			t.Errorf("status = %s, want failed", summary.Status)
		}
		if n := f.creds.refreshes.Load(); n != 1 {
			t.Errorf("refreshes = %d, want 1", n)
		}
		if cursorOf(t, f.store) != nil {
			t.Error("cursor should remain unset")
		}
	})
}

// blockingClassifier parks the first call until release is closed.
type blockingClassifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingClassifier) Classify(ctx context.Context, subject, body, sender string) domain.ClassificationOutcome {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return domain.ClassificationOutcome{Label: domain.CategoryOther, Confidence: 0.9, Source: domain.SourceModel}
}

func TestOrchestrator_RejectsConcurrentRun(t *testing.T) {
	mb := fake.NewMailbox()
	mb.Add(domain.FolderInbox, msg("a", demoEnd, "x"))
	cls := &blockingClassifier{entered: make(chan struct{}), release: make(chan struct{})}
	store := persistence.NewMemoryStore()
	reg := metrics.NewRegistry(10)
	orch := NewOrchestrator(Deps{Store: store, Source: mb, Classifier: cls, Annotator: mb, Metrics: reg}, testConfig())

	done := make(chan *domain.RunSummary, 1)
	go func() {
		s, _ := orch.RunOnce(context.Background(), domain.FolderInbox)
		done <- s
	}()
	<-cls.entered

	skipped, err := orch.RunOnce(context.Background(), domain.FolderInbox)
	if !apperr.IsCode(err, apperr.CodeAlreadyRunning) {
		t.Fatalf("err = %v, want ALREADY_RUNNING", err)
	}
	if skipped.Status != domain.RunSkipped || skipped.ProcessedCount != 0 {
		t.Errorf("skipped summary = %+v", skipped)
	}
	if orch.State() != domain.StateClassifying {
		t.Errorf("state = %s, want CLASSIFYING", orch.State())
	}

	close(cls.release)
	first := <-done
	if first.ProcessedCount != 1 {
		t.Errorf("first run processed = %d, want 1", first.ProcessedCount)
	}
	if reg.RunsSkipped.Load() != 1 {
		t.Errorf("skipped counter = %d, want 1", reg.RunsSkipped.Load())
	}
}

func TestOrchestrator_CancelBetweenMessages(t *testing.T) {
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.8}}, nil)
	base := demoEnd.Add(-10 * time.Minute)
	f.mailbox.Add(domain.FolderInbox,
		msg("a", base, "x"),
		msg("b", base.Add(time.Minute), "y"),
		msg("c", base.Add(2*time.Minute), "z"),
		msg("d", base.Add(3*time.Minute), "w"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.mailbox.AnnotateError = func(providerID string) error {
		if providerID == "p-b" {
			cancel()
		}
		return nil
	}

	summary, err := f.orch.RunOnce(ctx, domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !summary.Cancelled {
		t.Error("summary should be marked cancelled")
	}
	if summary.ProcessedCount != 2 {
		t.Errorf("processed = %d, want 2", summary.ProcessedCount)
	}
	if got := cursorOf(t, f.store); got == nil || !got.Equal(base.Add(time.Minute)) {
		t.Errorf("cursor = %v, want last handled message", got)
	}
	if len(f.mailbox.Labels("p-b")) != 1 {
		t.Error("in-flight message should complete its annotation")
	}

	rest, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if rest.ProcessedCount != 2 {
		t.Errorf("follow-up processed = %d, want 2", rest.ProcessedCount)
	}
}

func TestOrchestrator_CursorNeverMovesBackward(t *testing.T) {
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.8}}, nil)
	f.mailbox.Add(domain.FolderInbox, msg("a", demoEnd, "x"))
	if err := f.store.AdvanceCursor(context.Background(), demoEnd.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.FetchedCount != 0 {
		t.Errorf("fetched = %d, want 0", summary.FetchedCount)
	}
	if got := cursorOf(t, f.store); !got.Equal(demoEnd.Add(time.Hour)) {
		t.Errorf("cursor = %v, want unchanged", got)
	}
}

func TestOrchestrator_BoundaryRefetchKeepsCheckpoint(t *testing.T) {
	f := newFixture(t, &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.8}}, nil)
	f.mailbox.Add(domain.FolderInbox, msg("a", demoEnd, "x"))

	first, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	tests := []struct {
		name string
		run  func() (*domain.RunSummary, error)
	}{
		{"second run", func() (*domain.RunSummary, error) { return f.orch.RunOnce(context.Background(), domain.FolderInbox) }},
		{"third run", func() (*domain.RunSummary, error) { return f.orch.RunOnce(context.Background(), domain.FolderInbox) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := tt.run()
			if err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}
			if summary.FetchedCount != 1 {
				t.Errorf("fetched = %d, want 1", summary.FetchedCount)
			}
			if summary.SkippedDuplicates != 1 {
				t.Errorf("duplicates = %d, want 1", summary.SkippedDuplicates)
			}
			if summary.ProcessedCount != 0 {
				t.Errorf("processed = %d, want 0", summary.ProcessedCount)
			}
			if summary.PreviousCheckpoint == nil || summary.NewCheckpoint == nil ||
				!summary.NewCheckpoint.Equal(*summary.PreviousCheckpoint) {
				t.Errorf("checkpoint moved: %v -> %v", summary.PreviousCheckpoint, summary.NewCheckpoint)
			}
			if !summary.NewCheckpoint.Equal(*first.NewCheckpoint) {
				t.Errorf("new checkpoint = %v, want %v", summary.NewCheckpoint, first.NewCheckpoint)
			}
		})
	}
}

func TestOrchestrator_MessageCap(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.orch.cfg.MaxMessagesPerRun = 7
	msgs := fake.DemoMessages(demoEnd)
	f.mailbox.Add(domain.FolderInbox, msgs...)

	summary, err := f.orch.RunOnce(context.Background(), domain.FolderInbox)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.ProcessedCount != 7 {
		t.Errorf("processed = %d, want 7", summary.ProcessedCount)
	}
	if got := cursorOf(t, f.store); !got.Equal(msgs[6].ReceivedAt) {
		t.Errorf("cursor = %v, want %v", got, msgs[6].ReceivedAt)
	}
}

func TestOrchestrator_InvalidFolder(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.orch.RunOnce(context.Background(), "junk"); !apperr.IsCode(err, apperr.CodeInvalidInput) {
		t.Errorf("err = %v, want INVALID_INPUT", err)
	}
	if f.mailbox.FetchCalls() != 0 {
		t.Error("no fetch expected for an invalid folder")
	}
}
