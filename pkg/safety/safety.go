// Package safety scans child transcripts for concern words and farewell
// phrases.
//
// Matching is a case-insensitive substring search with no word-boundary
// checks, so "scared" also matches inside "scaredy". A missed signal costs
// more than a false alert.
package safety

import (
	"slices"
	"strings"
)

// Severity grades a dangerous utterance.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; a higher rank is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

var keywords = []string{
	"hit", "hurt", "hate", "kill", "die", "sad", "scared", "alone", "cry", "pain",
	"blood", "sharp", "scary", "bad", "angry", "punch", "kick", "mean", "bully",
}

var highSeverity = []string{"kill", "die", "hurt"}

var terminationPhrases = []string{
	"bye shellie",
	"goodbye shellie",
	"thanks so much bye",
	"thank you bye",
	"see you later shellie",
	"bye bye shellie",
}

// Verdict is the result of classifying one piece of transcript text.
type Verdict struct {
	Dangerous bool     `json:"is_dangerous"`
	Severity  Severity `json:"severity,omitempty"`
	Matches   []string `json:"matches"`
}

// CheckSafety reports which concern words occur in text.
func CheckSafety(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{Matches: []string{}}
	}
	lower := strings.ToLower(text)
	matches := make([]string, 0, 2)
	for _, word := range keywords {
		if strings.Contains(lower, word) {
			matches = append(matches, word)
		}
	}
	if len(matches) == 0 {
		return Verdict{Matches: matches}
	}
	severity := SeverityMedium
	for _, m := range matches {
		if slices.Contains(highSeverity, m) {
			severity = SeverityHigh
			break
		}
	}
	return Verdict{Dangerous: true, Severity: severity, Matches: matches}
}

// ShouldTerminate reports whether text contains a farewell phrase.
func ShouldTerminate(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range terminationPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Keywords returns the concern vocabulary in match order.
func Keywords() []string { return slices.Clone(keywords) }

// HighSeverityKeywords returns the subset of Keywords graded high.
func HighSeverityKeywords() []string { return slices.Clone(highSeverity) }

// TerminationPhrases returns the farewell phrases.
func TerminationPhrases() []string { return slices.Clone(terminationPhrases) }
