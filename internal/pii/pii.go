// Package pii masks personally identifiable information out of dialogue
// text before it is placed in an LLM prompt (spec §9). It is a pure function
// over regex rules — no external calls, safe for concurrent use.
package pii

import "regexp"

var (
	phonePattern = regexp.MustCompile(`\b0\d{1,2}[-\s]?\d{3,4}[-\s]?\d{4}\b`)
	longDigitRun = regexp.MustCompile(`\b\d{6,}\b`)
	honorific    = regexp.MustCompile(`[가-힣]{1,4}\s?(님|씨|고객님)`)
)

// Mask redacts phone numbers, long digit runs (account/card numbers), and
// honorific name patterns from text, replacing each with a category tag.
func Mask(text string) string {
	masked := phonePattern.ReplaceAllString(text, "[PHONE]")
	masked = longDigitRun.ReplaceAllString(masked, "[NUMBER]")
	masked = honorific.ReplaceAllString(masked, "[NAME]")
	return masked
}
