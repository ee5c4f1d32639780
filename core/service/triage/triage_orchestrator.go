// Package triage runs the idempotent fetch, classify, persist, annotate and
// checkpoint cycle for one mailbox.
package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"
	"triage_server/pkg/metrics"
	"triage_server/pkg/resilience"
)

// Config holds run limits and per-call timeouts.
type Config struct {
	FetchPageSize       int
	MaxMessagesPerRun   int
	ClassifyConcurrency int // clamped to 1..10

	FetchTimeout    time.Duration
	AnnotateTimeout time.Duration
	StoreTimeout    time.Duration
	PublishTimeout  time.Duration

	FetchRetry    resilience.RetryConfig
	AnnotateRetry resilience.RetryConfig
}

// DefaultConfig returns the default run policy.
func DefaultConfig() Config {
	return Config{
		FetchPageSize:       50,
		MaxMessagesPerRun:   500,
		ClassifyConcurrency: 5,
		FetchTimeout:        30 * time.Second,
		AnnotateTimeout:     15 * time.Second,
		StoreTimeout:        10 * time.Second,
		PublishTimeout:      5 * time.Second,
		FetchRetry:          resilience.DefaultRetryConfig(),
		AnnotateRetry:       resilience.DefaultRetryConfig(),
	}
}

// Deps are the collaborators of an Orchestrator. Annotator, Credentials and
// Events are optional.
type Deps struct {
	Store       out.CheckpointStore
	Source      out.MessageSource
	Classifier  in.ClassifyUseCase
	Annotator   out.CategoryAnnotator
	Credentials out.CredentialProvider
	Events      out.RunEventPublisher
	Clock       out.Clock
	Metrics     *metrics.Registry
}

// Orchestrator implements in.TriageUseCase. Only one run is in flight at a time.
type Orchestrator struct {
	store      out.CheckpointStore
	source     out.MessageSource
	classifier in.ClassifyUseCase
	annotator  out.CategoryAnnotator
	creds      out.CredentialProvider
	events     out.RunEventPublisher
	clock      out.Clock
	metrics    *metrics.Registry
	cfg        Config
	log        zerolog.Logger

	runMu sync.Mutex // single writer for records and cursor
	state atomic.Value

	newRunID func() string
}

// NewOrchestrator creates an orchestrator. Store, Source and Classifier are required.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.FetchPageSize <= 0 {
		cfg.FetchPageSize = def.FetchPageSize
	}
	if cfg.MaxMessagesPerRun <= 0 {
		cfg.MaxMessagesPerRun = def.MaxMessagesPerRun
	}
	cfg.ClassifyConcurrency = clamp(cfg.ClassifyConcurrency, 1, 10)
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.AnnotateTimeout <= 0 {
		cfg.AnnotateTimeout = def.AnnotateTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.FetchRetry.MaxAttempts <= 0 {
		cfg.FetchRetry = def.FetchRetry
	}
	if cfg.AnnotateRetry.MaxAttempts <= 0 {
		cfg.AnnotateRetry = def.AnnotateRetry
	}
	cfg.FetchRetry.Retryable = out.IsTransient
	cfg.AnnotateRetry.Retryable = out.IsTransient

	o := &Orchestrator{
		store:      deps.Store,
		source:     deps.Source,
		classifier: deps.Classifier,
		annotator:  deps.Annotator,
		creds:      deps.Credentials,
		events:     deps.Events,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		cfg:        cfg,
		log:        logger.Component("orchestrator"),
		newRunID:   uuid.NewString,
	}
	if o.clock == nil {
		o.clock = systemClock{}
	}
	if o.metrics == nil {
		o.metrics = metrics.Global()
	}
	o.state.Store(domain.StateIdle)
	return o
}

// State returns the current state machine position.
func (o *Orchestrator) State() domain.RunState {
	return o.state.Load().(domain.RunState)
}

func (o *Orchestrator) setState(s domain.RunState) {
	o.state.Store(s)
}

// ListProcessed returns every processed record ordered by processing time.
func (o *Orchestrator) ListProcessed(ctx context.Context) ([]domain.ProcessedRecord, error) {
	recs, err := o.store.ListAll(ctx)
	if err != nil {
		return nil, apperr.DatabaseError("list processed", err)
	}
	return recs, nil
}

// RunOnce performs one cycle for folder. It never interleaves with another run:
// a concurrent call returns a skipped summary and an ALREADY_RUNNING error.
// Only fetch failures are returned as errors; per-message problems are reported
// inside the summary.
func (o *Orchestrator) RunOnce(ctx context.Context, folder string) (*domain.RunSummary, error) {
	if folder == "" {
		folder = domain.FolderInbox
	}
	if !domain.ValidFolder(folder) {
		return nil, apperr.InvalidInput("folder", "must be one of inbox, drafts, sentitems")
	}

	if !o.runMu.TryLock() {
		now := o.clock.Now()
		summary := domain.NewRunSummary(o.newRunID(), folder, now)
		summary.Status = domain.RunSkipped
		summary.FinishedAt = now
		summary.Error = "already running"
		o.metrics.RunsSkipped.Add(1)
		o.log.Info().Str("folder", folder).Msg("run skipped: another run is in progress")
		return summary, apperr.AlreadyRunning(folder)
	}
	defer o.runMu.Unlock()

	runID := o.newRunID()
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	log := o.log.With().Str("run_id", runID).Str("folder", folder).Logger()
	summary := domain.NewRunSummary(runID, folder, o.clock.Now())

	// FETCHING
	o.setState(domain.StateFetching)
	prev, err := o.readCursor(ctx)
	if err != nil {
		return o.fail(ctx, log, summary, err)
	}
	summary.PreviousCheckpoint = prev
	summary.NewCheckpoint = prev

	fetched, err := o.fetchAll(ctx, log, folder, prev)
	if err != nil {
		return o.fail(ctx, log, summary, err)
	}
	summary.FetchedCount = len(fetched)

	pending, err := o.dedup(ctx, fetched)
	if err != nil {
		return o.fail(ctx, log, summary, err)
	}
	summary.SkippedDuplicates = len(fetched) - len(pending)

	// CLASSIFYING
	o.setState(domain.StateClassifying)
	cursor := o.process(ctx, log, summary, pending, maxReceived(fetched))

	// FINALIZING; the run is committed from here on, even if ctx was cancelled.
	o.setState(domain.StateFinalizing)
	final := context.WithoutCancel(ctx)
	if cursor != nil {
		if next, err := o.advanceCursor(final, prev, *cursor); err != nil {
			log.Error().Err(err).Msg("failed to advance cursor")
			summary.Error = err.Error()
		} else {
			summary.NewCheckpoint = next
		}
	}

	summary.FinishedAt = o.clock.Now()
	o.metrics.RunsCompleted.Add(1)
	o.publishRun(final, log, summary)
	o.setState(domain.StateIdle)

	log.Info().
		Int("fetched", summary.FetchedCount).
		Int("processed", summary.ProcessedCount).
		Int("duplicates", summary.SkippedDuplicates).
		Int("fallback", summary.SourceCounts[domain.SourceFallback]).
		Int("failures", len(summary.Failures)).
		Bool("cancelled", summary.Cancelled).
		Dur("duration_ms", summary.Duration()).
		Msg("run completed")

	return summary, nil
}

// fail ends a run in FAILED without touching the cursor.
func (o *Orchestrator) fail(ctx context.Context, log zerolog.Logger, summary *domain.RunSummary, err error) (*domain.RunSummary, error) {
	o.setState(domain.StateFailed)
	summary.Status = domain.RunFailed
	summary.Error = err.Error()
	summary.Cancelled = ctx.Err() != nil
	summary.NewCheckpoint = summary.PreviousCheckpoint
	summary.FinishedAt = o.clock.Now()
	o.metrics.RunsFailed.Add(1)
	o.publishRun(context.WithoutCancel(ctx), log, summary)

	log.Error().Err(err).Msg("run failed")
	return summary, err
}

// =============================================================================
// Fetch
// =============================================================================

func (o *Orchestrator) readCursor(ctx context.Context) (*time.Time, error) {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	cur, err := o.store.GetCursor(sctx)
	if err != nil {
		return nil, apperr.DatabaseError("read cursor", err)
	}
	return cur, nil
}

// fetchAll pages through the source until it is exhausted or the run cap is hit.
// The result is ascending by ReceivedAt and never longer than the cap.
func (o *Orchestrator) fetchAll(ctx context.Context, log zerolog.Logger, folder string, cursor *time.Time) ([]domain.MessageSummary, error) {
	limit := o.cfg.FetchPageSize
	page, err := o.fetchPage(ctx, func(ctx context.Context) (*out.FetchPage, error) {
		return o.source.FetchSince(ctx, folder, cursor, limit)
	})
	if err != nil {
		return nil, err
	}

	var all []domain.MessageSummary
	pages := 1
	for {
		all = append(all, page.Messages...)
		if !page.HasMore || page.NextToken == "" {
			break
		}
		if len(all) >= o.cfg.MaxMessagesPerRun {
			log.Warn().Int("cap", o.cfg.MaxMessagesPerRun).Msg("per-run message cap reached; the rest is left for the next run")
			break
		}
		token := page.NextToken
		page, err = o.fetchPage(ctx, func(ctx context.Context) (*out.FetchPage, error) {
			return o.source.FetchPage(ctx, token)
		})
		if err != nil {
			return nil, err
		}
		pages++
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].ReceivedAt.Before(all[j].ReceivedAt) })
	if len(all) > o.cfg.MaxMessagesPerRun {
		all = all[:o.cfg.MaxMessagesPerRun]
	}

	log.Debug().Int("pages", pages).Int("messages", len(all)).Msg("fetch complete")
	return all, nil
}

// fetchPage applies the fetch failure policy: an expired credential is refreshed
// and the call retried once; transient failures are retried with backoff.
func (o *Orchestrator) fetchPage(ctx context.Context, call func(context.Context) (*out.FetchPage, error)) (*out.FetchPage, error) {
	var (
		page      *out.FetchPage
		refreshed bool
	)

	attempt := func(ctx context.Context) error {
		fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
		defer o.metrics.Since(metrics.CallFetch, time.Now())

		p, err := call(fctx)
		if err != nil {
			return err
		}
		if p == nil {
			p = &out.FetchPage{}
		}
		page = p
		return nil
	}

	cfg := o.cfg.FetchRetry
	cfg.OnRetry = func(n int, delay time.Duration, err error) {
		o.log.Warn().Err(err).Int("attempt", n).Dur("backoff_ms", delay).Msg("fetch failed, retrying")
	}

	attempts, err := resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		err := attempt(ctx)
		if err == nil || !out.IsAuthExpired(err) {
			return err
		}
		if refreshed || o.creds == nil {
			return &authError{err: err}
		}
		refreshed = true
		if rerr := o.creds.Refresh(ctx); rerr != nil {
			return &authError{err: rerr}
		}
		o.log.Info().Msg("credential refreshed, retrying fetch")
		if err := attempt(ctx); err != nil {
			if out.IsAuthExpired(err) {
				return &authError{err: err}
			}
			return err
		}
		return nil
	})
	if err == nil {
		return page, nil
	}

	var ae *authError
	switch {
	case errors.As(err, &ae):
		return nil, apperr.AuthExpired(o.source.Name(), ae.err)
	case ctx.Err() != nil:
		return nil, apperr.Timeout("fetch").WithError(ctx.Err())
	case out.IsTransient(err):
		return nil, apperr.SourceUnavailable(o.source.Name(), attempts, err)
	default:
		return nil, apperr.ExternalError(o.source.Name(), err)
	}
}

// authError marks a credential failure that survived the single refresh.
type authError struct{ err error }

func (e *authError) Error() string { return "auth expired: " + e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

// dedup drops messages already recorded and repeats within the batch. Order is kept.
func (o *Orchestrator) dedup(ctx context.Context, msgs []domain.MessageSummary) ([]domain.MessageSummary, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	var known map[string]bool
	if bc, ok := o.store.(out.BatchChecker); ok {
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.StableID
		}
		var err error
		if known, err = bc.FilterProcessed(sctx, ids); err != nil {
			return nil, apperr.DatabaseError("filter processed", err)
		}
	} else {
		known = make(map[string]bool)
		for _, m := range msgs {
			ok, err := o.store.IsProcessed(sctx, m.StableID)
			if err != nil {
				return nil, apperr.DatabaseError("is processed", err)
			}
			if ok {
				known[m.StableID] = true
			}
		}
	}

	pending := make([]domain.MessageSummary, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if known[m.StableID] {
			continue
		}
		if _, dup := seen[m.StableID]; dup {
			continue
		}
		seen[m.StableID] = struct{}{}
		pending = append(pending, m)
	}
	return pending, nil
}

// =============================================================================
// Classify, persist, annotate
// =============================================================================

type classifyJob struct {
	idx int
	msg domain.MessageSummary
}

// process classifies pending messages on a bounded pool and applies persist and
// annotate in ascending order on the calling goroutine. It returns the cursor
// the run may commit, or nil to leave it untouched.
func (o *Orchestrator) process(ctx context.Context, log zerolog.Logger, summary *domain.RunSummary, pending []domain.MessageSummary, fetchedMax *time.Time) *time.Time {
	if len(pending) == 0 {
		return fetchedMax
	}

	// Classification outlives caller cancellation so the message in hand completes.
	workCtx := context.WithoutCancel(ctx)
	var stopped atomic.Bool

	results := make([]chan domain.ClassificationOutcome, len(pending))
	for i := range results {
		results[i] = make(chan domain.ClassificationOutcome, 1)
	}

	worker := pool.WorkerFunc[classifyJob](func(ctx context.Context, j classifyJob) error {
		if stopped.Load() {
			return nil
		}
		results[j.idx] <- o.classifier.Classify(ctx, j.msg.Subject, j.msg.BodyExcerpt, j.msg.Sender)
		return nil
	})
	wg := pool.New[classifyJob](o.cfg.ClassifyConcurrency, worker).
		WithBatchSize(1).
		WithContinueOnError()
	if err := wg.Go(workCtx); err != nil {
		log.Error().Err(err).Msg("failed to start classification pool")
		return nil
	}

	poolDone := make(chan error, 1)
	go func() {
		for i, m := range pending {
			if stopped.Load() {
				break
			}
			wg.Submit(classifyJob{idx: i, msg: m})
		}
		poolDone <- wg.Close(workCtx)
	}()

	var (
		lastHandled   *time.Time
		persistFailed *time.Time
	)
	for i, msg := range pending {
		if ctx.Err() != nil {
			summary.Cancelled = true
			stopped.Store(true)
			log.Warn().Int("handled", i).Int("pending", len(pending)).Msg("run cancelled between messages")
			break
		}

		outcome := <-results[i]
		if o.handle(workCtx, log, summary, msg, outcome) == errPersist && persistFailed == nil {
			ts := msg.ReceivedAt
			persistFailed = &ts
		}
		ts := msg.ReceivedAt
		lastHandled = &ts
	}

	if err := <-poolDone; err != nil && !summary.Cancelled {
		log.Warn().Err(err).Msg("classification pool closed with error")
	}

	cursor := fetchedMax
	if summary.Cancelled {
		cursor = lastHandled
	}
	// An unrecorded message must be fetched again; fetches are inclusive at the cursor.
	if persistFailed != nil && (cursor == nil || persistFailed.Before(*cursor)) {
		cursor = persistFailed
	}
	return cursor
}

var errPersist = errors.New("persist failed")

// handle persists then annotates one classified message.
func (o *Orchestrator) handle(ctx context.Context, log zerolog.Logger, summary *domain.RunSummary, msg domain.MessageSummary, outcome domain.ClassificationOutcome) error {
	if !outcome.Label.Valid() {
		summary.AddFailure(msg.StableID, domain.StageClassify, fmt.Errorf("classifier returned invalid label %q", outcome.Label))
		outcome = domain.ClassificationOutcome{
			Label:     domain.CategoryOther,
			Source:    domain.SourceError,
			Rationale: "invalid label " + string(outcome.Label),
		}
	}

	rec := domain.NewProcessedRecord(msg, outcome, o.clock.Now())
	if err := o.persist(ctx, rec); err != nil {
		if errors.Is(err, out.ErrDuplicateKey) {
			// Recorded by a concurrent writer between dedup and now.
			summary.SkippedDuplicates++
			return nil
		}
		log.Error().Err(err).Str("stable_id", msg.StableID).Msg("failed to persist record")
		summary.AddFailure(msg.StableID, domain.StagePersist, err)
		return errPersist
	}

	if rec.RawLabel != "" {
		log.Info().
			Str("stable_id", rec.StableID).
			Str("raw_label", string(rec.RawLabel)).
			Float64("raw_confidence", rec.RawConfidence).
			Str("rationale", rec.Rationale).
			Msg("low confidence label forced to OTHER")
	}

	summary.ProcessedCount++
	summary.CategoryCounts[rec.Label]++
	summary.SourceCounts[rec.Source]++
	o.metrics.MessagesProcessed.Add(1)
	o.publishRecord(ctx, log, rec)

	email := domain.ProcessedEmail{
		StableID:   rec.StableID,
		Subject:    rec.Subject,
		Sender:     rec.Sender,
		Label:      rec.Label,
		Confidence: rec.Confidence,
		Source:     rec.Source,

		Rationale:     rec.Rationale,
		RawLabel:      rec.RawLabel,
		RawConfidence: rec.RawConfidence,
	}

	if o.annotator != nil {
		if err := o.annotate(ctx, msg.ProviderID, rec.Label); err != nil {
			log.Warn().Err(err).Str("stable_id", msg.StableID).Msg("annotation failed")
			summary.AddFailure(msg.StableID, domain.StageAnnotate, err)
			o.metrics.AnnotationFailures.Add(1)
		} else {
			email.Annotated = true
		}
	}

	summary.Emails = append(summary.Emails, email)
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, rec domain.ProcessedRecord) error {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	defer o.metrics.Since(metrics.CallPersist, time.Now())
	return o.store.MarkProcessed(sctx, rec)
}

// annotate applies the label with backoff on transient failures and one
// credential refresh on auth expiry.
func (o *Orchestrator) annotate(ctx context.Context, providerID string, label domain.Category) error {
	refreshed := false
	_, err := resilience.Retry(ctx, o.cfg.AnnotateRetry, func(ctx context.Context) error {
		err := o.applyLabel(ctx, providerID, label)
		if err != nil && out.IsAuthExpired(err) && !refreshed && o.creds != nil {
			refreshed = true
			if rerr := o.creds.Refresh(ctx); rerr != nil {
				return rerr
			}
			err = o.applyLabel(ctx, providerID, label)
		}
		return err
	})
	return err
}

func (o *Orchestrator) applyLabel(ctx context.Context, providerID string, label domain.Category) error {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AnnotateTimeout)
	defer cancel()
	defer o.metrics.Since(metrics.CallAnnotate, time.Now())
	return o.annotator.ApplyLabel(actx, providerID, label)
}

// =============================================================================
// Finalize
// =============================================================================

// advanceCursor moves the stored cursor forward to ts. A backward move is a
// no-op and reports the cursor unchanged.
func (o *Orchestrator) advanceCursor(ctx context.Context, prev *time.Time, ts time.Time) (*time.Time, error) {
	if prev != nil && !ts.After(*prev) {
		return prev, nil
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	if err := o.store.AdvanceCursor(sctx, ts); err != nil {
		if errors.Is(err, out.ErrNonMonotonic) {
			o.log.Warn().Time("cursor", ts).Msg("cursor already ahead; keeping stored value")
			return o.readCursor(ctx)
		}
		return prev, apperr.DatabaseError("advance cursor", err)
	}
	next := ts
	return &next, nil
}

func (o *Orchestrator) publishRecord(ctx context.Context, log zerolog.Logger, rec domain.ProcessedRecord) {
	if o.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()
	if err := o.events.PublishProcessed(pctx, rec); err != nil {
		log.Warn().Err(err).Str("stable_id", rec.StableID).Msg("failed to publish record event")
	}
}

func (o *Orchestrator) publishRun(ctx context.Context, log zerolog.Logger, summary *domain.RunSummary) {
	if o.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()
	if err := o.events.PublishRun(pctx, summary); err != nil {
		log.Warn().Err(err).Msg("failed to publish run event")
	}
}

func maxReceived(msgs []domain.MessageSummary) *time.Time {
	var max *time.Time
	for i := range msgs {
		ts := msgs[i].ReceivedAt
		if max == nil || ts.After(*max) {
			max = &ts
		}
	}
	return max
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

var _ in.TriageUseCase = (*Orchestrator)(nil)
