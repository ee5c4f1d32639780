// Package classification assigns one of the fixed categories to a message,
// falling back to keyword rules when the inference backend cannot answer.
package classification

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxInputChars bounds the text sent to the inference backend.
const DefaultMaxInputChars = 500

var (
	markupPattern     = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Sanitize strips markup, collapses whitespace and truncates to maxChars runes.
func Sanitize(text string, maxChars int) string {
	if text == "" {
		return ""
	}
	text = markupPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		runes := []rune(text)
		text = string(runes[:maxChars])
	}
	return text
}
