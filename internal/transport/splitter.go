package transport

import (
	"strings"
	"unicode/utf8"
)

const fenceMarker = "```"

// Split breaks text into segments of at most max bytes. Break points are
// chosen in preference order: paragraph break, sentence end, whitespace,
// hard cut at a rune boundary. Plain-text segments are exact substrings,
// so their concatenation reconstructs the input. Text containing code
// fences is packed line by line instead, closing an open fence at each
// segment end and reopening it (with its info string) at the start of the
// next, so every segment renders as valid markdown. max <= 0 means
// unlimited.
func Split(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	if strings.Contains(text, fenceMarker) {
		return splitFenced(text, max)
	}
	return splitPlain(text, max)
}

func splitPlain(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}
	var segs []string
	rest := text
	for len(rest) > max {
		window := rest[:max]

		var p int
		switch {
		// Paragraph break inside the window; the break stays with the
		// earlier segment so concatenation is lossless.
		case strings.LastIndex(window, "\n\n") > 0:
			p = strings.LastIndex(window, "\n\n") + 2
		// Sentence end.
		case lastSentenceEnd(window) > 0:
			p = lastSentenceEnd(window)
		// Any whitespace.
		case strings.LastIndexAny(window, " \t\n") > 0:
			p = strings.LastIndexAny(window, " \t\n") + 1
		// No boundary at all: hard cut, not splitting a rune.
		default:
			p = max
			for p > 0 && !utf8.RuneStart(rest[p]) {
				p--
			}
		}
		segs = append(segs, rest[:p])
		rest = rest[p:]
	}
	if rest != "" {
		segs = append(segs, rest)
	}
	return segs
}

// lastSentenceEnd returns the index just past the whitespace that follows
// the final sentence terminator in s, or 0 when none qualifies.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i > 0; i-- {
		if s[i] != ' ' && s[i] != '\n' {
			continue
		}
		switch s[i-1] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return 0
}

// splitFenced packs whole lines into segments, carrying code-fence state
// across segment boundaries.
func splitFenced(text string, max int) []string {
	var segs []string
	var cur strings.Builder
	inFence := false
	fenceOpen := ""

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		if inFence {
			cur.WriteString("\n" + fenceMarker)
		}
		segs = append(segs, cur.String())
		cur.Reset()
		if inFence {
			cur.WriteString(fenceOpen)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		// A single oversized line gets hard-cut; each piece packs normally.
		pieces := []string{line}
		if len(line) > max-len(fenceMarker)-1 {
			pieces = splitPlain(line, max-2*len(fenceMarker)-2)
		}
		for _, piece := range pieces {
			need := len(piece)
			if cur.Len() > 0 {
				need++
			}
			reserve := 0
			if inFence || strings.HasPrefix(strings.TrimSpace(piece), fenceMarker) {
				reserve = len(fenceMarker) + 1
			}
			if cur.Len()+need+reserve > max {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteByte('\n')
			}
			cur.WriteString(piece)
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, fenceMarker) {
			if inFence {
				inFence = false
				fenceOpen = ""
			} else {
				inFence = true
				fenceOpen = trimmed
			}
		}
	}
	if cur.Len() > 0 {
		segs = append(segs, cur.String())
	}
	return segs
}
