package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"
)

// =============================================================================
// Scheduler - periodic batch runs
// =============================================================================
//
// Each tick calls RunOnce for the configured folder. A tick that finds a run
// still in flight is skipped; the orchestrator itself refuses to interleave.

const (
	MinPollingInterval     = 10 * time.Second
	MaxPollingInterval     = time.Hour
	DefaultPollingInterval = time.Minute
	DefaultRunTimeout      = 10 * time.Minute
)

// Scheduler drives a TriageUseCase on a ticker.
type Scheduler struct {
	triage     in.TriageUseCase
	folder     string
	runTimeout time.Duration
	log        zerolog.Logger

	mu         sync.Mutex
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
	lastRunAt  *time.Time
	nextRunAt  *time.Time
	lastResult *domain.RunSummary
	inFlight   bool
	runDone    chan struct{} // closed when the run in flight returns
	loopDone   chan struct{} // closed when the last started loop exits

	now func() time.Time
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(triage in.TriageUseCase, folder string, interval time.Duration) *Scheduler {
	if folder == "" {
		folder = domain.FolderInbox
	}
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	return &Scheduler{
		triage:     triage,
		folder:     folder,
		interval:   clampInterval(interval),
		runTimeout: DefaultRunTimeout,
		log:        logger.Component("scheduler"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetRunTimeout bounds each scheduled run. Non-positive values keep the current bound.
func (s *Scheduler) SetRunTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.runTimeout = d
	s.mu.Unlock()
}

// ValidateInterval checks the polling bounds.
func ValidateInterval(interval time.Duration) error {
	if interval < MinPollingInterval || interval > MaxPollingInterval {
		return apperr.BadRequest("interval must be between 10 and 3600 seconds")
	}
	return nil
}

// Start begins polling. Calling Start on a running scheduler restarts it with
// the new interval.
func (s *Scheduler) Start(interval time.Duration) error {
	if err := ValidateInterval(interval); err != nil {
		return err
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.stopLocked()
	}
	s.interval = interval
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.loopDone = done
	next := s.now().Add(interval)
	s.nextRunAt = &next
	s.mu.Unlock()

	s.log.Info().Dur("interval", interval).Str("folder", s.folder).Msg("scheduler started")
	go s.loop(ctx, interval, done)
	return nil
}

// Stop halts polling. A run already in flight completes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.mu.Unlock()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) stopLocked() {
	s.cancel()
	s.cancel = nil
	s.done = nil
	s.nextRunAt = nil
}

// Wait blocks until the polling loop has exited and no run is in flight, or
// until ctx ends. It reports whether the scheduler went quiet. Call it after
// Stop; a running loop keeps starting new runs.
func (s *Scheduler) Wait(ctx context.Context) bool {
	s.mu.Lock()
	loop := s.loopDone
	s.mu.Unlock()
	if loop != nil {
		select {
		case <-loop:
		case <-ctx.Done():
			return false
		}
	}

	s.mu.Lock()
	if !s.inFlight {
		s.mu.Unlock()
		return true
	}
	run := s.runDone
	s.mu.Unlock()

	select {
	case <-run:
		return true
	case <-ctx.Done():
		return false
	}
}

// SetInterval changes the interval, restarting the ticker when running.
func (s *Scheduler) SetInterval(interval time.Duration) error {
	if err := ValidateInterval(interval); err != nil {
		return err
	}
	s.mu.Lock()
	running := s.cancel != nil
	s.interval = interval
	s.mu.Unlock()

	if running {
		return s.Start(interval)
	}
	return nil
}

// Status reports the current scheduler state.
func (s *Scheduler) Status() domain.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SchedulerStatus{
		Running:         s.cancel != nil,
		IntervalSeconds: int(s.interval / time.Second),
		Folder:          s.folder,
		LastRunAt:       copyTime(s.lastRunAt),
		NextRunAt:       copyTime(s.nextRunAt),
		LastResult:      s.lastResult,
	}
}

// Done returns a channel closed when the current loop exits. Nil when stopped.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, interval)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.Info().Msg("previous run still active, skipping tick")
		return
	}
	s.inFlight = true
	runDone := make(chan struct{})
	s.runDone = runDone
	s.mu.Unlock()

	go func() {
		defer close(runDone)

		// Stop does not cancel a run in flight; only its own timeout does.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.runTimeout)
		defer cancel()

		started := s.now()
		summary, err := s.triage.RunOnce(runCtx, s.folder)

		s.mu.Lock()
		s.inFlight = false
		s.lastRunAt = &started
		if summary != nil {
			s.lastResult = summary
		}
		if ctx.Err() == nil {
			next := s.now().Add(interval)
			s.nextRunAt = &next
		}
		s.mu.Unlock()

		switch {
		case apperr.IsCode(err, apperr.CodeAlreadyRunning):
			s.log.Info().Msg("run already in progress, tick skipped")
		case err != nil:
			s.log.Error().Err(err).Msg("scheduled run failed")
		case summary != nil:
			s.log.Info().
				Int("processed", summary.ProcessedCount).
				Int("failures", len(summary.Failures)).
				Msg("scheduled run finished")
		}
	}()
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinPollingInterval {
		return MinPollingInterval
	}
	if d > MaxPollingInterval {
		return MaxPollingInterval
	}
	return d
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

var _ in.SchedulerUseCase = (*Scheduler)(nil)
