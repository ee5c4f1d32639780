package bootstrap

import (
	"context"
	"time"

	"triage_server/pkg/logger"
)

// Worker runs the background scheduler for one mailbox.
type Worker struct {
	deps *Dependencies
}

func NewWorker(deps *Dependencies) *Worker {
	return &Worker{deps: deps}
}

// Start begins polling at the configured interval.
func (w *Worker) Start() error {
	cfg := w.deps.Config
	if err := w.deps.Scheduler.Start(cfg.PollingInterval); err != nil {
		return err
	}
	logger.Info("Worker started: folder=%s, interval=%v", cfg.MailFolder, cfg.PollingInterval)
	return nil
}

// Stop halts polling and waits up to timeout for a scheduled run in flight
// to finish. It reports whether the scheduler went quiet in time.
func (w *Worker) Stop(timeout time.Duration) bool {
	w.deps.Scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if !w.deps.Scheduler.Wait(ctx) {
		logger.Warn("Worker stop timed out with a run in flight (state=%s)", w.deps.Triage.State())
		return false
	}
	logger.Info("Worker stopped")
	return true
}
