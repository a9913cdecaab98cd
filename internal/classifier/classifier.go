// Package classifier maps spoken or scanned text to a note type using fixed,
// ordered English rules. All functions are total and never fail.
package classifier

import (
	"strings"
	"unicode/utf8"

	"shelfnotes.io/reading-companion/internal/store"
)

var (
	quoteIndicators = []string{
		"quote", "write down the quote", "remember the quote",
		"as stated", "the author writes", "it is written in the book",
	}
	quoteGlyphs = []string{"«", "»", "„", "“", "\""}

	questionIndicators = []string{
		"why", "what for", "how", "what happens if",
		"interesting", "question", "i don't understand",
	}

	// Order matters: the first matching prefix wins.
	triggerLabels = []string{"quote:", "quote", "thought:", "thought", "question:", "question"}

	// Only the first label present in an utterance is used to split it.
	separatorLabels = []string{"quote:", "thought:", "question:", "note:"}
)

// NoteSegment is one labeled part of an utterance.
type NoteSegment struct {
	Content string
	Type    store.NoteType
}

// Classify applies the quote rule before the question rule, so text with
// both a quote marker and a question mark is a quote.
func Classify(text string) store.NoteType {
	lower := strings.ToLower(text)

	if containsAny(lower, quoteIndicators) || containsAny(text, quoteGlyphs) {
		return store.NoteTypeQuote
	}
	if containsAny(lower, questionIndicators) || strings.Contains(text, "?") {
		return store.NoteTypeQuestion
	}
	return store.NoteTypeThought
}

// CleanTriggerWords strips one leading trigger label, compared without case,
// and trims what is left. Text without a label comes back unchanged.
func CleanTriggerWords(text string) string {
	for _, label := range triggerLabels {
		if rest, ok := cutPrefixFold(text, label); ok {
			return strings.TrimSpace(rest)
		}
	}
	return text
}

// Segment splits an utterance holding several labeled notes. Label matching
// is case-sensitive. Blank segments are dropped; a bare label such as
// "quote:" is kept with empty content.
func Segment(text string) []NoteSegment {
	var parts []string
	for _, label := range separatorLabels {
		pieces := strings.Split(text, label)
		if len(pieces) < 2 {
			continue
		}
		for i, piece := range pieces {
			if i == 0 {
				if strings.TrimSpace(piece) != "" {
					parts = append(parts, piece)
				}
				continue
			}
			parts = append(parts, label+piece)
		}
		break
	}
	if parts == nil {
		parts = []string{text}
	}

	segments := make([]NoteSegment, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		segments = append(segments, NoteSegment{Content: CleanTriggerWords(trimmed), Type: Classify(trimmed)})
	}
	return segments
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// cutPrefixFold compares rune by rune so multi-byte case mappings never
// shift the cut point.
func cutPrefixFold(s, prefix string) (string, bool) {
	n := utf8.RuneCountInString(prefix)
	i, count := 0, 0
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	if count < n || !strings.EqualFold(s[:i], prefix) {
		return s, false
	}
	return s[i:], true
}
