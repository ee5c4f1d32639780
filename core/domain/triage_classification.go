package domain

// OutcomeSource records which path produced a classification.
type OutcomeSource string

const (
	SourceModel    OutcomeSource = "model"
	SourceFallback OutcomeSource = "fallback"
	SourceError    OutcomeSource = "error"
)

// ClassificationOutcome is the result of classifying one message.
// RawLabel and RawConfidence keep the backend's answer when a policy
// (the confidence floor) replaced Label.
type ClassificationOutcome struct {
	Label         Category      `json:"label"`
	Confidence    float64       `json:"confidence"`
	Rationale     string        `json:"rationale"`
	Source        OutcomeSource `json:"source"`
	RawLabel      Category      `json:"raw_label,omitempty"`
	RawConfidence float64       `json:"raw_confidence,omitempty"`
}

// Forced reports whether the confidence floor overrode the raw label.
func (o ClassificationOutcome) Forced() bool {
	return o.RawLabel != "" && o.RawLabel != o.Label
}
