// Package in defines inbound ports (driving ports) for the application.
package in

import (
	"context"
	"time"

	"triage_server/core/domain"
)

// TriageUseCase is the batch classification entry point.
type TriageUseCase interface {
	// RunOnce performs one fetch, classify, annotate and checkpoint cycle. A call made
	// while another run holds the lock returns a skipped summary and an ALREADY_RUNNING error.
	RunOnce(ctx context.Context, folder string) (*domain.RunSummary, error)
	ListProcessed(ctx context.Context) ([]domain.ProcessedRecord, error)
	State() domain.RunState
}

// ClassifyUseCase classifies ad-hoc text without touching the checkpoint store.
type ClassifyUseCase interface {
	Classify(ctx context.Context, subject, body, sender string) domain.ClassificationOutcome
}

// SchedulerUseCase controls background polling.
type SchedulerUseCase interface {
	Start(interval time.Duration) error
	Stop()
	Status() domain.SchedulerStatus
}
