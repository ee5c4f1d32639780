package domain

import "time"

// ProcessedRecord marks a message as handled. Its existence is the only
// source of truth for "already processed"; records are never updated.
//
// RawLabel and RawConfidence are set only when the confidence floor replaced
// the model's label, and keep that answer for audit alongside Rationale.
type ProcessedRecord struct {
	StableID    string        `json:"stable_id" db:"stable_id" bson:"stable_id"`
	Label       Category      `json:"label" db:"label" bson:"label"`
	Confidence  float64       `json:"confidence" db:"confidence" bson:"confidence"`
	Source      OutcomeSource `json:"source" db:"source" bson:"source"`
	ProcessedAt time.Time     `json:"processed_at" db:"processed_at" bson:"processed_at"`
	Subject     string        `json:"subject" db:"subject" bson:"subject"`
	Sender      string        `json:"sender" db:"sender" bson:"sender"`

	Rationale     string   `json:"rationale,omitempty" db:"rationale" bson:"rationale,omitempty"`
	RawLabel      Category `json:"raw_label,omitempty" db:"raw_label" bson:"raw_label,omitempty"`
	RawConfidence float64  `json:"raw_confidence,omitempty" db:"raw_confidence" bson:"raw_confidence,omitempty"`
}

// NewProcessedRecord builds the record persisted for msg after classification.
func NewProcessedRecord(msg MessageSummary, outcome ClassificationOutcome, at time.Time) ProcessedRecord {
	rec := ProcessedRecord{
		StableID:    msg.StableID,
		Label:       outcome.Label,
		Confidence:  outcome.Confidence,
		Source:      outcome.Source,
		ProcessedAt: at.UTC(),
		Subject:     msg.Subject,
		Sender:      msg.Sender,
		Rationale:   outcome.Rationale,
	}
	if outcome.Forced() {
		rec.RawLabel = outcome.RawLabel
		rec.RawConfidence = outcome.RawConfidence
	}
	return rec
}
