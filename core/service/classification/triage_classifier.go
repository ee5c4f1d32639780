package classification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/logger"
	"triage_server/pkg/metrics"

	"github.com/rs/zerolog"
)

// Config holds the classification policy values.
type Config struct {
	MinConfidence      float64       // model answers below this are forced to OTHER
	FallbackConfidence float64       // confidence attached to rule-based outcomes
	MaxInputChars      int           // per-field budget after sanitizing
	Timeout            time.Duration // per backend call
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		MinConfidence:      0.5,
		FallbackConfidence: 0.3,
		MaxInputChars:      DefaultMaxInputChars,
		Timeout:            15 * time.Second,
	}
}

var errUnparseable = errors.New("unparseable backend response")

// Classifier resolves every message to some ClassificationOutcome. Backend
// failures, timeouts and malformed answers degrade to keyword rules; it never
// returns an error.
type Classifier struct {
	backend out.LabelBackend
	rules   *RuleClassifier
	cfg     Config
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewClassifier creates a classifier. backend may be nil, in which case every
// message is classified by rules. rules may be nil for the default table.
func NewClassifier(backend out.LabelBackend, rules *RuleClassifier, cfg Config, reg *metrics.Registry) *Classifier {
	if rules == nil {
		rules = NewRuleClassifier(nil)
	}
	def := DefaultConfig()
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = def.MaxInputChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if reg == nil {
		reg = metrics.Global()
	}
	return &Classifier{
		backend: backend,
		rules:   rules,
		cfg:     cfg,
		metrics: reg,
		log:     logger.Component("classifier"),
	}
}

// Classify labels one message.
func (c *Classifier) Classify(ctx context.Context, subject, body, sender string) (outcome domain.ClassificationOutcome) {
	subject = Sanitize(subject, c.cfg.MaxInputChars)
	body = Sanitize(body, c.cfg.MaxInputChars)

	if c.backend == nil {
		return c.fallback(subject, body, "no inference backend configured")
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("inference backend panicked")
			outcome = c.fallback(subject, body, fmt.Sprintf("backend panic: %v", r))
		}
	}()

	result, err := c.callBackend(ctx, out.LabelRequest{Subject: subject, Body: body, Sender: sender})
	if err != nil {
		c.log.Warn().Err(err).Str("sender", sender).Msg("falling back to keyword rules")
		return c.fallback(subject, body, err.Error())
	}

	category, ok := domain.ParseCategory(result.Category)
	if !ok {
		err := fmt.Errorf("%w: unknown category %q", errUnparseable, result.Category)
		c.log.Warn().Err(err).Msg("falling back to keyword rules")
		return c.fallback(subject, body, err.Error())
	}
	if math.IsNaN(result.Confidence) {
		return c.fallback(subject, body, errUnparseable.Error()+": confidence is NaN")
	}

	return c.applyFloor(domain.ClassificationOutcome{
		Label:         category,
		Confidence:    clamp01(result.Confidence),
		Rationale:     result.Reasoning,
		Source:        domain.SourceModel,
		RawLabel:      category,
		RawConfidence: result.Confidence,
	})
}

func (c *Classifier) callBackend(ctx context.Context, req out.LabelRequest) (*out.LabelResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	defer c.metrics.Since(metrics.CallClassify, time.Now())

	result, err := c.backend.Label(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("backend timed out after %s: %w", c.cfg.Timeout, err)
		}
		return nil, err
	}
	if result == nil {
		return nil, errUnparseable
	}
	return result, nil
}

// applyFloor forces low confidence model answers to OTHER. The raw label,
// confidence and rationale are kept for audit.
func (c *Classifier) applyFloor(o domain.ClassificationOutcome) domain.ClassificationOutcome {
	if o.Source == domain.SourceModel && o.Confidence < c.cfg.MinConfidence {
		o.Label = domain.CategoryOther
	}
	return o
}

func (c *Classifier) fallback(subject, body, cause string) domain.ClassificationOutcome {
	c.metrics.FallbackOutcomes.Add(1)
	return c.rules.Classify(subject, body, c.cfg.FallbackConfidence, cause)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
