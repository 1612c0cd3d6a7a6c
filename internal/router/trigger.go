package router

import (
	"regexp"
	"strings"
	"unicode"
)

// TriggerPattern compiles a trigger phrase into its matching regexp. The
// phrase is normalized to carry the "@" mention prefix, and the match is
// case-insensitive, anchored at the start of the message, with a word
// boundary after the phrase so "@andy" does not fire on "@andyroid".
func TriggerPattern(phrase string) *regexp.Regexp {
	phrase = strings.TrimSpace(phrase)
	if !strings.HasPrefix(phrase, "@") {
		phrase = "@" + phrase
	}
	expr := `(?i)^` + regexp.QuoteMeta(phrase)
	last, _ := lastRune(phrase)
	if unicode.IsLetter(last) || unicode.IsDigit(last) || last == '_' {
		expr += `\b`
	}
	return regexp.MustCompile(expr)
}

// Triggered reports whether text fires the phrase.
func Triggered(phrase, text string) bool {
	return TriggerPattern(phrase).MatchString(strings.TrimSpace(text))
}

func lastRune(s string) (rune, bool) {
	var r rune
	ok := false
	for _, c := range s {
		r, ok = c, true
	}
	return r, ok
}
