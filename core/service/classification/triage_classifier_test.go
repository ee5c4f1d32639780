package classification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/metrics"
)

type stubBackend struct {
	result *out.LabelResult
	err    error
	block  bool
	got    out.LabelRequest
	calls  int
}

func (b *stubBackend) Label(ctx context.Context, req out.LabelRequest) (*out.LabelResult, error) {
	b.calls++
	b.got = req
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.result, b.err
}

func newTestClassifier(backend out.LabelBackend) *Classifier {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	return NewClassifier(backend, nil, cfg, metrics.NewRegistry(10))
}

func TestClassifier_Classify(t *testing.T) {
	tests := []struct {
		name       string
		backend    *stubBackend
		subject    string
		body       string
		wantLabel  domain.Category
		wantSource domain.OutcomeSource
		wantConf   float64
	}{
		{
			name:       "model answer above floor",
			backend:    &stubBackend{result: &out.LabelResult{Category: "ACADEMIC", Confidence: 0.9, Reasoning: "lecture notes"}},
			subject:    "Lecture 5 notes",
			wantLabel:  domain.CategoryAcademic,
			wantSource: domain.SourceModel,
			wantConf:   0.9,
		},
		{
			name:       "lowercase category accepted",
			backend:    &stubBackend{result: &out.LabelResult{Category: "social", Confidence: 0.7}},
			wantLabel:  domain.CategorySocial,
			wantSource: domain.SourceModel,
			wantConf:   0.7,
		},
		{
			name:       "confidence floor forces OTHER",
			backend:    &stubBackend{result: &out.LabelResult{Category: "URGENT", Confidence: 0.4, Reasoning: "maybe urgent"}},
			wantLabel:  domain.CategoryOther,
			wantSource: domain.SourceModel,
			wantConf:   0.4,
		},
		{
			name:       "confidence clamped",
			backend:    &stubBackend{result: &out.LabelResult{Category: "PROMOTIONAL", Confidence: 1.7}},
			wantLabel:  domain.CategoryPromotional,
			wantSource: domain.SourceModel,
			wantConf:   1,
		},
		{
			name:       "backend error uses rules",
			backend:    &stubBackend{err: errors.New("HTTP 503")},
			subject:    "URGENT: deadline tonight",
			body:       "submit immediately",
			wantLabel:  domain.CategoryUrgent,
			wantSource: domain.SourceFallback,
			wantConf:   0.3,
		},
		{
			name:       "unknown category uses rules",
			backend:    &stubBackend{result: &out.LabelResult{Category: "SPAM", Confidence: 0.99}},
			subject:    "50% discount",
			wantLabel:  domain.CategoryPromotional,
			wantSource: domain.SourceFallback,
			wantConf:   0.3,
		},
		{
			name:       "nil result uses rules",
			backend:    &stubBackend{},
			subject:    "hello",
			wantLabel:  domain.CategoryOther,
			wantSource: domain.SourceFallback,
			wantConf:   0.3,
		},
		{
			name:       "timeout uses rules",
			backend:    &stubBackend{block: true},
			subject:    "Homework 3 posted",
			wantLabel:  domain.CategoryAcademic,
			wantSource: domain.SourceFallback,
			wantConf:   0.3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(tt.backend)
			got := c.Classify(context.Background(), tt.subject, tt.body, "someone@uiowa.edu")

			if got.Label != tt.wantLabel {
				t.Errorf("Label = %s, want %s", got.Label, tt.wantLabel)
			}
			if got.Source != tt.wantSource {
				t.Errorf("Source = %s, want %s", got.Source, tt.wantSource)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
		})
	}
}

func TestClassifier_FloorKeepsRawAnswer(t *testing.T) {
	backend := &stubBackend{result: &out.LabelResult{Category: "SOCIAL", Confidence: 0.4, Reasoning: "party mention"}}
	got := newTestClassifier(backend).Classify(context.Background(), "party?", "", "a@b.c")

	if got.Label != domain.CategoryOther {
		t.Fatalf("Label = %s, want OTHER", got.Label)
	}
	if got.RawLabel != domain.CategorySocial {
		t.Errorf("RawLabel = %s, want SOCIAL", got.RawLabel)
	}
	if got.RawConfidence != 0.4 {
		t.Errorf("RawConfidence = %v, want 0.4", got.RawConfidence)
	}
	if got.Rationale != "party mention" {
		t.Errorf("Rationale = %q, want preserved", got.Rationale)
	}
	if !got.Forced() {
		t.Error("Forced() = false, want true")
	}
}

func TestClassifier_NoBackend(t *testing.T) {
	c := newTestClassifier(nil)
	got := c.Classify(context.Background(), "Tuition bill", "", "bursar@uiowa.edu")
	if got.Label != domain.CategoryAdministrative || got.Source != domain.SourceFallback {
		t.Errorf("got %s/%s, want ADMINISTRATIVE/fallback", got.Label, got.Source)
	}
}

func TestClassifier_SanitizesBackendInput(t *testing.T) {
	backend := &stubBackend{result: &out.LabelResult{Category: "OTHER", Confidence: 0.8}}
	c := newTestClassifier(backend)
	c.Classify(context.Background(), "<b>Hi</b>   there", "<p>"+strings.Repeat("x", 900)+"</p>", "a@b.c")

	if backend.got.Subject != "Hi there" {
		t.Errorf("Subject = %q, want %q", backend.got.Subject, "Hi there")
	}
	if len(backend.got.Body) != DefaultMaxInputChars {
		t.Errorf("len(Body) = %d, want %d", len(backend.got.Body), DefaultMaxInputChars)
	}
}

type panicBackend struct{}

func (panicBackend) Label(context.Context, out.LabelRequest) (*out.LabelResult, error) {
	panic("boom")
}

func TestClassifier_BackendPanic(t *testing.T) {
	got := newTestClassifier(panicBackend{}).Classify(context.Background(), "RSVP for the event", "", "a@b.c")
	if got.Source != domain.SourceFallback || got.Label != domain.CategorySocial {
		t.Errorf("got %s/%s, want SOCIAL/fallback", got.Label, got.Source)
	}
}

func TestClassifier_CountsFallbacks(t *testing.T) {
	reg := metrics.NewRegistry(10)
	c := NewClassifier(&stubBackend{err: errors.New("down")}, nil, DefaultConfig(), reg)
	for i := 0; i < 3; i++ {
		c.Classify(context.Background(), "x", "y", "z")
	}
	if n := reg.FallbackOutcomes.Load(); n != 3 {
		t.Errorf("FallbackOutcomes = %d, want 3", n)
	}
}
