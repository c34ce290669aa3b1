package turn

import (
	"strings"
	"unicode"
)

// words splits s into lowercase tokens. Runs of letters and digits form one
// token each, except in scripts written without spaces (Han, Hiragana,
// Katakana) where every character is its own token.
func words(s string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case unspaced(r):
			flush()
			out = append(out, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}

// unspaced reports whether r belongs to a script that does not separate
// words with spaces. The prolonged sound mark is script-neutral but only
// occurs in kana text.
func unspaced(r rune) bool {
	return r == 'ー' || unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}

// NewWords counts the words of transcript that do not occur anywhere in
// assistant. Words the recognizer picked up from the loudspeaker are thereby
// ignored, so the assistant cannot interrupt itself.
func NewWords(transcript, assistant string) int {
	said := make(map[string]struct{})
	for _, w := range words(assistant) {
		said[w] = struct{}{}
	}
	n := 0
	for _, w := range words(transcript) {
		if _, ok := said[w]; !ok {
			n++
		}
	}
	return n
}

// sinceBaseline returns the part of text recognised after baseline was
// snapshotted. If the recognizer rewrote the prefix, the whole text counts.
func sinceBaseline(text, baseline string) string {
	if baseline == "" {
		return text
	}
	if rest, ok := strings.CutPrefix(text, baseline); ok {
		return rest
	}
	return text
}
