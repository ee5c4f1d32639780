package classification

import (
	"fmt"
	"strings"

	"triage_server/core/domain"
)

// =============================================================================
// Keyword Fallback Rules
// =============================================================================

// KeywordRule maps a category to the phrases that select it.
type KeywordRule struct {
	Category domain.Category
	Keywords []string
}

// DefaultKeywordRules is evaluated in order; the first rule with a matching
// keyword wins. OTHER has no rule and is the no-match result.
var DefaultKeywordRules = []KeywordRule{
	{Category: domain.CategoryUrgent, Keywords: []string{"urgent", "asap", "due today", "deadline", "immediately", "due tonight"}},
	{Category: domain.CategoryAcademic, Keywords: []string{"assignment", "exam", "grade", "lecture", "professor", "syllabus", "homework"}},
	{Category: domain.CategoryAdministrative, Keywords: []string{"registration", "enroll", "tuition", "form", "bursar", "registrar"}},
	{Category: domain.CategorySocial, Keywords: []string{"meeting", "event", "rsvp", "join us", "party", "gathering"}},
	{Category: domain.CategoryPromotional, Keywords: []string{"unsubscribe", "discount", "offer", "newsletter", "limited time"}},
}

// RuleClassifier is the deterministic keyword classifier used when the
// inference backend is unavailable.
type RuleClassifier struct {
	rules []KeywordRule
}

// NewRuleClassifier creates a rule classifier. Nil rules means DefaultKeywordRules.
func NewRuleClassifier(rules []KeywordRule) *RuleClassifier {
	if rules == nil {
		rules = DefaultKeywordRules
	}
	normalized := make([]KeywordRule, len(rules))
	for i, r := range rules {
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		normalized[i] = KeywordRule{Category: r.Category, Keywords: kws}
	}
	return &RuleClassifier{rules: normalized}
}

// Match returns the winning category and the keyword that selected it.
// The keyword is empty when nothing matched and the category is OTHER.
func (c *RuleClassifier) Match(subject, body string) (domain.Category, string) {
	text := strings.ToLower(subject + " " + body)
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, kw) {
				return rule.Category, kw
			}
		}
	}
	return domain.CategoryOther, ""
}

// Classify returns a fallback outcome with the given fixed confidence.
func (c *RuleClassifier) Classify(subject, body string, confidence float64, cause string) domain.ClassificationOutcome {
	category, kw := c.Match(subject, body)

	rationale := "no keyword matches found"
	if kw != "" {
		rationale = fmt.Sprintf("keyword match: %q", kw)
	}
	if cause != "" {
		rationale += " (fallback: " + cause + ")"
	}

	return domain.ClassificationOutcome{
		Label:      category,
		Confidence: confidence,
		Rationale:  rationale,
		Source:     domain.SourceFallback,
	}
}
