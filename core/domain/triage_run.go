package domain

import "time"

// RunState is the orchestrator state machine position.
type RunState string

const (
	StateIdle        RunState = "IDLE"
	StateFetching    RunState = "FETCHING"
	StateClassifying RunState = "CLASSIFYING"
	StateFinalizing  RunState = "FINALIZING"
	StateFailed      RunState = "FAILED"
)

// RunStatus is the terminal status reported in a RunSummary.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunSkipped   RunStatus = "skipped"
	RunFailed    RunStatus = "failed"
)

// FailureStage identifies where a per-message failure happened.
type FailureStage string

const (
	StageClassify FailureStage = "classify"
	StagePersist  FailureStage = "persist"
	StageAnnotate FailureStage = "annotate"
)

// RunFailure is a per-message problem absorbed by a run.
type RunFailure struct {
	StableID string       `json:"stable_id"`
	Stage    FailureStage `json:"stage"`
	Reason   string       `json:"reason"`
}

// ProcessedEmail is the per-message line of a run report.
type ProcessedEmail struct {
	StableID   string        `json:"stable_id"`
	Subject    string        `json:"subject"`
	Sender     string        `json:"sender"`
	Label      Category      `json:"label"`
	Confidence float64       `json:"confidence"`
	Source     OutcomeSource `json:"source"`
	Annotated  bool          `json:"annotated"`

	Rationale     string   `json:"rationale,omitempty"`
	RawLabel      Category `json:"raw_label,omitempty"`
	RawConfidence float64  `json:"raw_confidence,omitempty"`
}

// RunSummary describes one batch run. It is produced per run and never persisted.
//
// The fetch boundary is inclusive: messages received exactly at the previous
// checkpoint are fetched again and dropped as duplicates. A run that fetched
// only those messages reports FetchedCount > 0 and SkippedDuplicates equal to
// it, with NewCheckpoint equal to PreviousCheckpoint. An unchanged checkpoint
// therefore means nothing newer than it was fetched, not that the fetch was empty.
type RunSummary struct {
	RunID              string                `json:"run_id"`
	Folder             string                `json:"folder"`
	Status             RunStatus             `json:"status"`
	ProcessedCount     int                   `json:"processed_count"`
	CategoryCounts     map[Category]int      `json:"category_counts"`
	SourceCounts       map[OutcomeSource]int `json:"source_counts"`
	PreviousCheckpoint *time.Time            `json:"previous_checkpoint"`
	NewCheckpoint      *time.Time            `json:"new_checkpoint"`
	Failures           []RunFailure          `json:"failures"`
	AnnotationFailures int                   `json:"annotation_failures"`
	FetchedCount       int                   `json:"fetched_count"`
	SkippedDuplicates  int                   `json:"skipped_duplicates"`
	Cancelled          bool                  `json:"cancelled"`
	Emails             []ProcessedEmail      `json:"emails"`
	StartedAt          time.Time             `json:"started_at"`
	FinishedAt         time.Time             `json:"finished_at"`
	Error              string                `json:"error,omitempty"`
}

// NewRunSummary returns an empty summary with initialised maps.
func NewRunSummary(runID, folder string, started time.Time) *RunSummary {
	counts := make(map[Category]int, len(AllCategories))
	for _, c := range AllCategories {
		counts[c] = 0
	}
	return &RunSummary{
		RunID:          runID,
		Folder:         folder,
		Status:         RunCompleted,
		CategoryCounts: counts,
		SourceCounts:   make(map[OutcomeSource]int),
		Failures:       []RunFailure{},
		Emails:         []ProcessedEmail{},
		StartedAt:      started,
	}
}

// AddFailure appends a failure entry; annotation failures are also counted separately.
func (s *RunSummary) AddFailure(stableID string, stage FailureStage, err error) {
	s.Failures = append(s.Failures, RunFailure{StableID: stableID, Stage: stage, Reason: err.Error()})
	if stage == StageAnnotate {
		s.AnnotationFailures++
	}
}

// Duration returns the wall time of the run.
func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// SchedulerStatus reports the background poller state.
type SchedulerStatus struct {
	Running         bool        `json:"running"`
	IntervalSeconds int         `json:"interval_seconds"`
	Folder          string      `json:"folder"`
	LastRunAt       *time.Time  `json:"last_run_at"`
	NextRunAt       *time.Time  `json:"next_run_at"`
	LastResult      *RunSummary `json:"last_result"`
}
