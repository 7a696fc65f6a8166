// Package redact scrubs personal data from recognized speech and masks
// credentials before they reach a log line.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var transcripts atomic.Bool

const (
	emailMarker  = "[email]"
	numberMarker = "[number]"
)

// digit words a recognizer emits when a number is dictated rather than
// rendered as digits.
const spokenDigit = `(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)`

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	// "jane dot doe at example dot com"
	spokenEmailRe = regexp.MustCompile(`(?i)\b[a-z0-9]+(?: dot [a-z0-9]+)* at [a-z0-9\-]+(?: dot [a-z]{2,})+\b`)
	// Five or more digits, optionally grouped: card, account and phone numbers.
	digitsRe       = regexp.MustCompile(`\+?\d(?:[\s\-.]?\d){4,}`)
	spokenDigitsRe = regexp.MustCompile(`(?i)\b` + spokenDigit + `(?:[\s\-]+` + spokenDigit + `){4,}\b`)
)

// SetEnabled toggles redaction of transcript text.
func SetEnabled(v bool) {
	transcripts.Store(v)
}

func Enabled() bool {
	return transcripts.Load()
}

// Text masks email addresses and long numbers in a transcript when enabled,
// whether the recognizer wrote them out or spelled them as words.
func Text(in string) string {
	if !transcripts.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, emailMarker)
	out = spokenEmailRe.ReplaceAllString(out, emailMarker)
	out = digitsRe.ReplaceAllString(out, numberMarker)
	return spokenDigitsRe.ReplaceAllString(out, numberMarker)
}

// Secret masks a credential for logging, keeping only the last four characters.
// It is applied regardless of the transcript toggle.
func Secret(in string) string {
	if len(in) <= 4 {
		return strings.Repeat("*", len(in))
	}
	return strings.Repeat("*", 8) + in[len(in)-4:]
}
