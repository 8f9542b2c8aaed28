// Package filter rejects speech-to-text output that is not a faithful
// transcription of the audio: empty results, bullet fill, echoed prompt
// formatting, and provider boilerplate such as subtitle credits.
package filter

import "strings"

// DefaultPhrases are case-folded substrings that mark a result as a
// provider echo artifact. Configurable via stt.hallucination_phrases.
var DefaultPhrases = []string{
	"thanks for watching",
	"thank you for watching",
	"sous-titres réalisés",
	"sous-titrage",
	"subtitles by",
	"amara.org",
}

// minUniqueChars is the smallest number of distinct non-space
// characters a genuine utterance produces.
const minUniqueChars = 5

// bulletRatioLimit is the fraction of U+2022 characters above which a
// result is considered bullet fill.
const bulletRatioLimit = 0.5

// Hallucination reports whether text should be rejected, and the rule
// that matched ("empty", "bullet_ratio", "low_cardinality", "phrase").
// phrases may be nil to use DefaultPhrases.
func Hallucination(text string, phrases []string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty", true
	}

	runes := []rune(text)
	bullets := 0
	unique := make(map[rune]struct{})
	for _, r := range runes {
		if r == '•' {
			bullets++
		}
		if r != ' ' {
			unique[r] = struct{}{}
		}
	}
	if float64(bullets)/float64(len(runes)) >= bulletRatioLimit {
		return "bullet_ratio", true
	}
	if len(unique) < minUniqueChars {
		return "low_cardinality", true
	}

	if phrases == nil {
		phrases = DefaultPhrases
	}
	folded := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(folded, strings.ToLower(p)) {
			return "phrase", true
		}
	}
	return "", false
}
