package out

import "context"

// LabelRequest is the sanitized input sent to an inference backend.
type LabelRequest struct {
	Subject string
	Body    string
	Sender  string
}

// LabelResult is the structured answer of an inference backend. Category is the
// raw string the backend produced; validation happens in the classifier.
type LabelResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// LabelBackend is the external text classification provider.
type LabelBackend interface {
	Label(ctx context.Context, req LabelRequest) (*LabelResult, error)
}
