package llm

import (
	"context"
	"fmt"
	"strings"

	"triage_server/core/port/out"

	"github.com/goccy/go-json"
)

const classifySystemPrompt = `You are an email classification assistant for university students.
Classify each email into exactly ONE of these categories:
- URGENT: time-sensitive, requires immediate action, has deadlines
- ACADEMIC: classes, assignments, grades, lectures, professors, course materials
- ADMINISTRATIVE: registration, forms, tuition, university business, official notices
- SOCIAL: events, club meetings, social gatherings, RSVPs, campus activities
- PROMOTIONAL: marketing, newsletters, advertisements, bulk emails
- OTHER: everything else

Consider the sender domain, urgency keywords, tone and context in subject and body.

Respond ONLY with valid JSON in this exact format:
{"category": "CATEGORY_NAME", "confidence": 0.85, "reasoning": "brief explanation"}`

// LabelBackend implements out.LabelBackend on top of a chat completion Client.
type LabelBackend struct {
	client *Client
}

// NewLabelBackend creates a backend using client.
func NewLabelBackend(client *Client) *LabelBackend {
	return &LabelBackend{client: client}
}

// Label asks the model for a category. Any transport or decoding problem is
// returned as an error; the caller decides how to degrade.
func (b *LabelBackend) Label(ctx context.Context, req out.LabelRequest) (*out.LabelResult, error) {
	prompt := fmt.Sprintf("Classify this email:\n\nFrom: %s\nSubject: %s\nBody Preview: %s",
		req.Sender, req.Subject, req.Body)

	resp, err := b.client.CompleteJSON(ctx, classifySystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("label completion: %w", err)
	}
	return parseLabelResult(resp)
}

func parseLabelResult(resp string) (*out.LabelResult, error) {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	resp = strings.TrimSpace(resp)

	var result out.LabelResult
	if err := json.Unmarshal([]byte(resp), &result); err != nil {
		return nil, fmt.Errorf("decode label response: %w", err)
	}
	if result.Category == "" {
		return nil, fmt.Errorf("decode label response: missing category")
	}
	return &result, nil
}
