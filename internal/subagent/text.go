// Package subagent holds the text budgeting helpers shared by the scanner and
// summarizer subagents.
package subagent

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates a token count as 1.33 tokens per
// whitespace-separated word.
func EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.33)
}

// TruncateToTokens keeps roughly maxTokens worth of words (0.75 words per
// token) and appends "..." when anything was cut.
func TruncateToTokens(text string, maxTokens int) string {
	words := strings.Fields(text)
	maxWords := int(float64(maxTokens) * 0.75)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + "..."
}

// TruncateToChars limits text to maxChars runes including the "..." suffix,
// backing up to a space when one falls in the second half.
func TruncateToChars(text string, maxChars int) string {
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	r := []rune(text)
	cut := string(r[:maxChars-3])
	if i := strings.LastIndex(cut, " "); i >= 0 && utf8.RuneCountInString(cut[:i]) > maxChars/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
